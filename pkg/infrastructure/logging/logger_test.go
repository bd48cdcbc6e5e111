package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger(t *testing.T) {
	t.Run("writes fields and stack of wrapped error", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := NewJSONLogger(&Config{AppName: "fleet-outbox", Output: buf})
		require.NoError(t, err)

		logger.WithField("record_id", "42").Error(errors.New("broker is down"), "delivery failed")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "fleet-outbox", entry[appNameKey])
		assert.Equal(t, "42", entry["record_id"])
		assert.Equal(t, "delivery failed", entry["message"])
		assert.Equal(t, "broker is down", entry["error"])
		assert.NotEmpty(t, entry[stackKey])
		assert.Contains(t, entry, "@timestamp")
	})

	t.Run("drops entries below configured level", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := NewJSONLogger(&Config{AppName: "fleet-outbox", Level: "warning", Output: buf})
		require.NoError(t, err)

		logger.Info("relay cycle completed")
		assert.Zero(t, buf.Len())
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		_, err := NewJSONLogger(&Config{Level: "loud"})
		assert.Error(t, err)
	})
}
