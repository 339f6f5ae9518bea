package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderByDependencies(t *testing.T) {
	tests := []struct {
		name   string
		tables []string
		deps   map[string][]string
		want   []string
	}{
		{
			name:   "no foreign keys keeps input order",
			tables: []string{"a", "b", "c"},
			want:   []string{"a", "b", "c"},
		},
		{
			name:   "referenced tables first",
			tables: []string{"items", "orders", "users"},
			deps:   map[string][]string{"items": {"orders"}, "orders": {"users"}},
			want:   []string{"users", "orders", "items"},
		},
		{
			name:   "self reference ignored",
			tables: []string{"employees"},
			deps:   map[string][]string{"employees": {"employees"}},
			want:   []string{"employees"},
		},
		{
			name:   "cycle appended",
			tables: []string{"a", "b", "c"},
			deps:   map[string][]string{"a": {"b"}, "b": {"a"}},
			want:   []string{"c", "a", "b"},
		},
		{
			name:   "reference outside the database ignored",
			tables: []string{"a"},
			deps:   map[string][]string{"a": {"elsewhere"}},
			want:   []string{"a"},
		},
		{
			name:   "composite key counted once",
			tables: []string{"child", "parent"},
			deps:   map[string][]string{"child": {"parent", "parent"}},
			want:   []string{"parent", "child"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OrderByDependencies(tt.tables, tt.deps))
		})
	}
}

func TestColumnIndex(t *testing.T) {
	cols := []string{"Trigger", "sql_mode", "SQL Original Statement"}
	assert.Equal(t, 2, columnIndex(cols, "SQL Original Statement"))
	assert.Equal(t, 0, columnIndex(cols, "trigger"))
	assert.Equal(t, -1, columnIndex(cols, "Create Table"))
}

func TestSchemaRoutinesOrder(t *testing.T) {
	s := Schema{
		Tables:     []SchemaObject{{Name: "t"}},
		Views:      []SchemaObject{{Name: "v"}},
		Triggers:   []SchemaObject{{Name: "tr"}},
		Procedures: []SchemaObject{{Name: "p"}},
		Functions:  []SchemaObject{{Name: "f"}},
	}
	var names []string
	for _, o := range s.Routines() {
		names = append(names, o.Name)
	}
	assert.Equal(t, []string{"v", "tr", "p", "f"}, names)
}
