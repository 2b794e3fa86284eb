package styles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatters(t *testing.T) {
	tests := []struct {
		name string
		got  string
		icon string
	}{
		{"success", FormatSuccess("stock added"), IconSuccess},
		{"error", FormatError("stock missing"), IconError},
		{"warning", FormatWarning("lagging"), IconWarning},
		{"info", FormatInfo("memory driver"), IconInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.got, tt.icon)
		})
	}
	assert.Contains(t, FormatSuccess("stock added"), "stock added")
}

func TestFormatStep(t *testing.T) {
	result := FormatStep(3, 12, "replaying events")
	assert.Contains(t, result, "[3/12]")
	assert.Contains(t, result, "replaying events")
}

func TestFormatKeyValue(t *testing.T) {
	result := FormatKeyValue("Driver", "postgres")
	assert.Contains(t, result, "Driver:")
	assert.Contains(t, result, "postgres")
}

func TestDisableColors(t *testing.T) {
	primary, success, text := Primary, Success, Text
	t.Cleanup(func() {
		Primary, Success, Text = primary, success, text
		build()
	})

	DisableColors()

	assert.Equal(t, "", string(Primary))
	assert.Equal(t, "", string(Success))
	assert.Equal(t, "plain", Normal.Render("plain"))
}

func TestStyles(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = Bold.Render("test")
		_ = Title.Render("test")
		_ = Subtitle.Render("test")
		_ = Muted.Render("test")
		_ = Dim.Render("test")
		_ = Code.Render("test")
		_ = Box.Render("test content")
		_ = InfoBox.Render("test content")
	})
}
