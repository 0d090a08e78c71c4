package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	orig := &Cursor{
		FinishedAt: time.Now().Truncate(time.Nanosecond),
		JobID:      "7f9c35b4-1a44-4c1b-9a39-1f2b9a0d55aa",
	}

	decoded, err := DecodeCursor(EncodeCursor(orig))
	require.NoError(t, err)
	require.NotNil(t, decoded)

	assert.Equal(t, orig.FinishedAt.UnixNano(), decoded.FinishedAt.UnixNano())
	assert.Equal(t, orig.JobID, decoded.JobID)
}

func TestDecodeCursor(t *testing.T) {
	tests := []struct {
		name    string
		cursor  string
		wantNil bool
		wantErr bool
	}{
		{name: "empty cursor means start", cursor: "", wantNil: true},
		{name: "not base64", cursor: "!!not-base64!!", wantErr: true},
		{name: "missing separator", cursor: "bm9zZXBhcmF0b3I=", wantErr: true},
		{name: "bad timestamp", cursor: "eHh8am9i", wantErr: true}, // "xx|job"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, err := DecodeCursor(tt.cursor)

			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cursor)
			}
		})
	}
}
