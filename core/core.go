/*Package core holds the primitives shared by all appwharf packages:
storage operations and the event envelope delivered to real-time clients.
*/
package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Operation represents a storage operation on an object instance,
// one of Create, Read, Update, Delete, List
type Operation string

// all supported storage operations
const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete, OperationList:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Operation", s)
	}
}

// Names of the events the dispatcher raises after successful write operations.
const (
	EventResourceCreated = "resource_created"
	EventResourceUpdated = "resource_updated"
	EventResourceDeleted = "resource_deleted"
)

// Event is the envelope delivered to real-time clients. Type is always
// "event" for envelopes built by SendEvent; the notification-trigger
// endpoint passes client envelopes through verbatim.
type Event struct {
	Name string      `json:"name"`
	Type string      `json:"type,omitempty"`
	Data interface{} `json:"data"`
}
