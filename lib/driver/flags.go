package driver

// DefineFlags modify DefineXML.
type DefineFlags uint

const (
	// DefineValidate checks the definition for semantic errors before
	// accepting it.
	DefineValidate DefineFlags = 1 << iota
)

// StartFlags modify Start.
type StartFlags uint

const (
	// StartPaused leaves the domain paused once it is running.
	StartPaused StartFlags = 1 << iota
	// StartForceBoot discards a managed-save image and boots fresh.
	StartForceBoot
)

// SaveFlags modify ManagedSave.
type SaveFlags uint

const (
	// SavePaused pauses the domain before its state is written.
	SavePaused SaveFlags = 1 << iota
)

// UndefineFlags modify Undefine.
type UndefineFlags uint

const (
	// UndefineManagedSave also removes a managed-save image.
	UndefineManagedSave UndefineFlags = 1 << iota
)

// DeviceFlags select which definitions AttachDevice changes.
type DeviceFlags uint

const (
	// AffectLive changes the running domain.
	AffectLive DeviceFlags = 1 << iota
	// AffectConfig changes the persistent definition.
	AffectConfig
)

// XMLFlags modify GetXMLDesc.
type XMLFlags uint

const (
	// XMLInactive returns the persistent definition even while running.
	XMLInactive XMLFlags = 1 << iota
)

// ListFlags filter ListAll. A domain must match every group that has at
// least one flag set; within a group any flag matches.
type ListFlags uint

const (
	ListActive ListFlags = 1 << iota
	ListInactive
	ListManagedSave
	ListNoManagedSave
	ListAutostart
	ListNoAutostart
	ListRunning
	ListPaused
	ListShutoff
)
