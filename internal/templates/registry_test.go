package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptfactory/script-factory-be/internal/domain"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid manifest",
			filePath: "testdata/valid_manifest.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read template manifest",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse template manifest",
		},
		{
			name:      "manifest missing later steps",
			filePath:  "testdata/missing_step.yaml",
			wantErr:   true,
			errString: "no templates for step 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, reg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, reg)
			}
		})
	}
}

func TestRegistry_Resolve(t *testing.T) {
	reg, err := Load("testdata/valid_manifest.yaml")
	require.NoError(t, err)

	t.Run("explicit id", func(t *testing.T) {
		instruction, err := reg.Resolve(domain.StepDiscovery, "news-trending")
		require.NoError(t, err)
		assert.Contains(t, instruction, "trending")
	})

	t.Run("empty id falls back to default", func(t *testing.T) {
		instruction, err := reg.Resolve(domain.StepDiscovery, "")
		require.NoError(t, err)
		assert.Contains(t, instruction, "Research")
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := reg.Resolve(domain.StepScript, "does-not-exist")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
	})
}

func TestRegistry_List(t *testing.T) {
	reg, err := Load("testdata/valid_manifest.yaml")
	require.NoError(t, err)

	assert.Len(t, reg.List(domain.StepDiscovery), 2)
	assert.Len(t, reg.List(domain.StepMetadata), 1)
	assert.Empty(t, reg.List(domain.Step(99)))
}
