package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStartSchema copies the embedded start request schema into a temp dir.
func writeStartSchema(t *testing.T) string {
	t.Helper()
	raw, err := schemaFS.ReadFile("schemas/" + SchemaStartRequest)
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SchemaStartRequest), raw, 0o644))
	return dir
}

func TestNewContractMonitor(t *testing.T) {
	t.Run("SuccessfulLoad", func(t *testing.T) {
		cm, err := NewContractMonitor(filepath.Join(writeStartSchema(t), SchemaStartRequest))
		require.NoError(t, err)
		require.NotNil(t, cm)
		assert.NotNil(t, cm.schema)
	})

	t.Run("SchemaFileNotFound", func(t *testing.T) {
		_, err := NewContractMonitor("non_existent_schema.json")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error loading or compiling schema")
	})

	t.Run("InvalidSchemaSyntax", func(t *testing.T) {
		invalidSchemaFile := filepath.Join(t.TempDir(), "invalid_schema.json")
		require.NoError(t, os.WriteFile(invalidSchemaFile, []byte("{invalid_json"), 0o644))
		_, err := NewContractMonitor(invalidSchemaFile)
		assert.Error(t, err)
	})

	t.Run("FileSchemaValidates", func(t *testing.T) {
		cm, err := NewContractMonitor(filepath.Join(writeStartSchema(t), SchemaStartRequest))
		require.NoError(t, err)

		valid, errs, err := cm.Validate([]byte(`{"merchant_transaction_id": "mid_1", "user_code": "imp123", "processor_id": "pg", "amount": 3}`))
		require.NoError(t, err)
		assert.True(t, valid)
		assert.Empty(t, errs)

		valid, errs, err = cm.Validate([]byte(`{"merchant_transaction_id": "mid_1", "amount": 3}`))
		require.NoError(t, err)
		assert.False(t, valid)
		assert.Contains(t, strings.Join(errs, "; "), "user_code is required")
	})
}

func TestLoad(t *testing.T) {
	t.Run("EmptyDirUsesEmbedded", func(t *testing.T) {
		cm, err := Load("", SchemaVisibility)
		require.NoError(t, err)
		valid, _, err := cm.Validate([]byte(`{"foreground": true, "screen_on": true}`))
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("DirOverridesEmbedded", func(t *testing.T) {
		dir := t.TempDir()
		strict := `{"type": "object", "required": ["merchant_transaction_id"], "properties": {"order_name": {"type": "string", "maxLength": 4}}}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, SchemaStartRequest), []byte(strict), 0o644))

		cm, err := Load(dir, SchemaStartRequest)
		require.NoError(t, err)
		valid, errs, err := cm.Validate([]byte(`{"merchant_transaction_id": "mid_1", "order_name": "a long order name"}`))
		require.NoError(t, err)
		assert.False(t, valid)
		assert.Contains(t, strings.Join(errs, "; "), "order_name")
	})

	t.Run("MissingFileInDir", func(t *testing.T) {
		_, err := Load(t.TempDir(), SchemaVisibility)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error loading or compiling schema")
	})
}

func TestNewEmbeddedMonitor(t *testing.T) {
	for _, name := range []string{SchemaStartRequest, SchemaVisibility} {
		cm, err := NewEmbeddedMonitor(name)
		require.NoError(t, err, name)
		assert.NotNil(t, cm)
	}

	_, err := NewEmbeddedMonitor("missing.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown schema missing.json")
}

func TestContractMonitor_ValidateStartRequest(t *testing.T) {
	cm, err := NewEmbeddedMonitor(SchemaStartRequest)
	require.NoError(t, err)

	tests := []struct {
		name          string
		payload       string
		expectValid   bool
		expectFuncErr bool
		errorContains []string
	}{
		{
			name:        "ValidPayload",
			payload:     `{"merchant_transaction_id": "mid_1", "user_code": "imp123", "processor_id": "chai_pg", "amount": 1000, "order_name": "coffee"}`,
			expectValid: true,
		},
		{
			name:          "MissingRequiredField",
			payload:       `{"merchant_transaction_id": "mid_1", "user_code": "imp123", "amount": 1000}`,
			errorContains: []string{"processor_id is required"},
		},
		{
			name:          "WrongType",
			payload:       `{"merchant_transaction_id": "mid_1", "user_code": "imp123", "processor_id": "pg", "amount": "1000"}`,
			errorContains: []string{"amount", "Invalid type. Expected: integer, given: string"},
		},
		{
			name:          "NegativeAmount",
			payload:       `{"merchant_transaction_id": "mid_1", "user_code": "imp123", "processor_id": "pg", "amount": -5}`,
			errorContains: []string{"amount"},
		},
		{
			name:          "EmptyIdentifier",
			payload:       `{"merchant_transaction_id": "", "user_code": "imp123", "processor_id": "pg", "amount": 1}`,
			errorContains: []string{"merchant_transaction_id"},
		},
		{
			name:          "UnknownProperty",
			payload:       `{"merchant_transaction_id": "mid_1", "user_code": "imp123", "processor_id": "pg", "amount": 1, "currency": "KRW"}`,
			errorContains: []string{"currency"},
		},
		{
			name:          "MalformedJSON",
			payload:       `{"merchant_transaction_id": "mid_1",`,
			expectFuncErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, validationErrs, funcErr := cm.Validate([]byte(tt.payload))

			assert.Equal(t, tt.expectValid, valid)
			if tt.expectFuncErr {
				require.Error(t, funcErr)
				assert.Contains(t, funcErr.Error(), "error during validation")
				return
			}
			require.NoError(t, funcErr)
			if tt.expectValid {
				assert.Empty(t, validationErrs)
				return
			}
			combined := strings.Join(validationErrs, "; ")
			for _, ec := range tt.errorContains {
				assert.Contains(t, combined, ec)
			}
		})
	}
}

func TestContractMonitor_ValidateVisibility(t *testing.T) {
	cm, err := NewEmbeddedMonitor(SchemaVisibility)
	require.NoError(t, err)

	valid, _, err := cm.Validate([]byte(`{"foreground": true, "screen_on": false}`))
	require.NoError(t, err)
	assert.True(t, valid)

	valid, errs, err := cm.Validate([]byte(`{"foreground": "yes"}`))
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Contains(t, strings.Join(errs, "; "), "screen_on is required")
}

func TestFormatErrors(t *testing.T) {
	tests := []struct {
		name           string
		errors         []string
		expectedOutput string
	}{
		{"NoErrors", []string{}, ""},
		{"SingleError", []string{"(root): amount is required"}, "Validation errors: (root): amount is required"},
		{"MultipleErrors", []string{"Error 1", "Error 2"}, "Validation errors: Error 1; Error 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedOutput, FormatErrors(tt.errors))
		})
	}
}
