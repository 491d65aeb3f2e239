package neo4jgraph

import (
	"errors"
	"reflect"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// A errPropertyNotFound occurs when a column of a record, or a property of a
// node, is missing.
//
// When encountering this error, it most likely occurs when changing a Cypher
// query without modifying the surrounding code properly. Expect a panic
// eventually.
var errPropertyNotFound = errors.New("property not found")

// An unexpectedPropertyTypeError occurs when a record column or node property
// has a runtime type that is different from the expected type. The error
// message contains the effective type of the property at runtime.
//
// When encountering this error, it most likely occurs when changing a Cypher
// query without modifying dependent code properly. Expect a panic eventually.
type unexpectedPropertyTypeError struct {
	Type reflect.Type // Effective type encountered at runtime.
}

func (e unexpectedPropertyTypeError) Error() string {
	if e.Type == nil {
		return "unexpected property type: nil"
	}
	return "unexpected property type: " + e.Type.String()
}

// The recordProperty interface defines generic constraints for supported values
// by getRecordProperty.
//
// These type constraints protect against unsupported neo4j types like int,
// uint32, etc.
//
// This is a subset of all types supported by the neo4j package because listing
// all of them would be troublesome. When a new type is necessary, developers can
// simply add it to the list here.
type recordProperty interface {
	int64 | string | neo4j.Node | []any
}

func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errPropertyNotFound
	}
	v, ok := prop.(T)
	if !ok {
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}

// getNodeProperty is the node counterpart of getRecordProperty, used for the
// reserved properties every twin node carries.
func getNodeProperty[T recordProperty](node neo4j.Node, key string) (value T, err error) {
	prop, exists := node.Props[key]
	if !exists {
		return value, errPropertyNotFound
	}
	v, ok := prop.(T)
	if !ok {
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}
