package repository

import (
	"fmt"
	"reflect"
	"strings"
)

// TagMapper maps a struct entity to columns through its `db` tags. Fields
// tagged `db:"-"` are skipped; untagged fields use their lower-cased name.
type TagMapper[T any, ID comparable] struct {
	idField string
}

// NewTagMapper creates a mapper whose id is held in the struct field idField.
func NewTagMapper[T any, ID comparable](idField string) *TagMapper[T, ID] {
	return &TagMapper[T, ID]{idField: idField}
}

func (m *TagMapper[T, ID]) ToRow(entity *T) (map[string]any, error) {
	v := reflect.ValueOf(entity).Elem()
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("entity must be a struct, got %s", v.Kind())
	}
	t := v.Type()

	row := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		column := field.Tag.Get("db")
		if column == "" {
			column = strings.ToLower(field.Name)
		}
		if column == "-" {
			continue
		}
		row[column] = v.Field(i).Interface()
	}
	return row, nil
}

func (m *TagMapper[T, ID]) GetID(entity *T) ID {
	var zero ID
	f := reflect.ValueOf(entity).Elem().FieldByName(m.idField)
	if !f.IsValid() {
		return zero
	}
	id, _ := f.Interface().(ID)
	return id
}
