package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTableDescriptorPaginationKey(t *testing.T) {
	cols := []Column{
		{Name: "id", Type: "int(10) unsigned"},
		{Name: "code", Type: "varchar(32)"},
		{Name: "payload", Type: "longblob"},
		{Name: "seq", Type: "bigint"},
	}
	tests := []struct {
		name     string
		pks      []string
		usable   bool
		keyIndex int
		label    string
	}{
		{"single integer pk", []string{"id"}, true, 0, "using id pk"},
		{"single bigint pk", []string{"seq"}, true, 3, "using seq pk"},
		{"text pk falls back to offset", []string{"code"}, false, -1, "pk not ordinal"},
		{"composite pk", []string{"id", "seq"}, false, -1, "2 pks"},
		{"no pk", nil, false, -1, "no pk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			td := NewTableDescriptor("shop", "orders", cols, tt.pks)
			assert.Equal(t, tt.usable, td.UsablePK)
			assert.Equal(t, tt.keyIndex, td.KeyIndex())
			assert.Equal(t, tt.label, td.PKLabel())
			assert.Equal(t, len(tt.pks), td.PKCount)
		})
	}
}

func TestHasLargeBlobs(t *testing.T) {
	plain := NewTableDescriptor("d", "t", []Column{{Name: "a", Type: "blob"}}, nil)
	assert.False(t, plain.HasLargeBlobs())

	wide := NewTableDescriptor("d", "t", []Column{{Name: "a", Type: "MEDIUMBLOB"}}, nil)
	assert.True(t, wide.HasLargeBlobs())
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00h:00min:05.0s", FormatElapsed(5*time.Second))
	assert.Equal(t, "01h:02min:03.5s", FormatElapsed(time.Hour+2*time.Minute+3500*time.Millisecond))
}
