// Package model defines the catalog's document data model: RunStart,
// RunStop, EventDescriptor, Event, Resource, and Datum. Every type is an
// immutable value; nothing in this package mutates a document in place.
// A free-form Metadata bag carries user fields the core never interprets.
package model

// Document is implemented by every concrete entity in the data model. It
// exists so code that needs to range over heterogeneous documents (the
// replayer, transform pipeline) can do so without resorting to any.
type Document interface {
	// Kind identifies which concrete document type this is.
	Kind() DocumentKind
}

// DocumentKind tags a concrete Document implementation.
type DocumentKind string

const (
	KindRunStart        DocumentKind = "start"
	KindRunStop         DocumentKind = "stop"
	KindEventDescriptor DocumentKind = "descriptor"
	KindEvent           DocumentKind = "event"
	KindResource        DocumentKind = "resource"
	KindDatum           DocumentKind = "datum"
)

// ExitStatus is RunStop's terminal state.
type ExitStatus string

const (
	ExitSuccess ExitStatus = "success"
	ExitFail    ExitStatus = "fail"
	ExitAbort   ExitStatus = "abort"
)

// RunStart opens a run.
type RunStart struct {
	UID      string
	Time     float64
	ScanID   int64
	Metadata map[string]any
}

func (RunStart) Kind() DocumentKind { return KindRunStart }

// RunStop closes a run. Its absence for a given RunStart means the run is
// live.
type RunStop struct {
	UID        string
	RunStart   string
	Time       float64
	ExitStatus ExitStatus
	Metadata   map[string]any
}

func (RunStop) Kind() DocumentKind { return KindRunStop }

// DataKeyDescriptor describes one column of an event stream.
type DataKeyDescriptor struct {
	Dtype      string
	DtypeStr   string
	DtypeDescr []StructuredField
	Shape      []int64
	Dims       []string
	External   bool
	Units      string
	Chunks     []any // per-axis "auto" (string) or explicit sizes ([]int64)
}

// StructuredField is one field of a rank-1 structured dtype, named by
// DtypeDescr.
type StructuredField struct {
	Name  string
	Dtype string
}

// EventDescriptor defines one event stream's schema within a run.
type EventDescriptor struct {
	UID           string
	RunStart      string
	Name          string
	Time          float64
	DataKeys      map[string]DataKeyDescriptor
	ObjectKeys    map[string][]string // object name -> owned column names
	Configuration map[string]ObjectConfiguration
	Metadata      map[string]any
}

func (EventDescriptor) Kind() DocumentKind { return KindEventDescriptor }

// ObjectConfiguration is one producing device's configuration snapshot,
// attached to a descriptor.
type ObjectConfiguration struct {
	Data       map[string]any
	Timestamps map[string]float64
	DataKeys   map[string]DataKeyDescriptor
}

// Event is one row within a stream.
type Event struct {
	UID        string
	Descriptor string
	SeqNum     int64
	Time       float64
	Data       map[string]any
	Timestamps map[string]float64
	Filled     map[string]bool
}

func (Event) Kind() DocumentKind { return KindEvent }

// Resource describes an external artifact addressed by one or more
// Datums.
type Resource struct {
	UID            string
	Spec           string
	ResourcePath   string
	Root           string
	ResourceKwargs map[string]any
}

func (Resource) Kind() DocumentKind { return KindResource }

// Datum is one payload reference within a Resource.
type Datum struct {
	DatumID     string
	Resource    string
	DatumKwargs map[string]any
}

func (Datum) Kind() DocumentKind { return KindDatum }

// ResourceUIDHint extracts the "/"-separated resource-uid prefix a datum
// id may embed. This is an optimistic hint only: callers must fall back
// to an authoritative resource lookup on miss (spec.md §3).
func ResourceUIDHint(datumID string) (string, bool) {
	for i := 0; i < len(datumID); i++ {
		if datumID[i] == '/' {
			return datumID[:i], true
		}
	}
	return "", false
}
