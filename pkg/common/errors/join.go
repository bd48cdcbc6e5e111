package errors

import "errors"

// Join skips nil errors and returns a single remaining error unwrapped.
func Join(errs ...error) error {
	var errSlice []error
	for _, err := range errs {
		if err != nil {
			errSlice = append(errSlice, err)
		}
	}
	switch len(errSlice) {
	case 0:
		return nil
	case 1:
		return errSlice[0]
	default:
		return errors.Join(errSlice...)
	}
}
