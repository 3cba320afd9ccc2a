package coordinator

import "fmt"

// UnknownEntryError is returned by Start when a selected name has no
// corresponding manifest entry loaded into the store.
type UnknownEntryError struct {
	Name string
}

func (e *UnknownEntryError) Error() string {
	return fmt.Sprintf("coordinator: unknown entry %q", e.Name)
}
