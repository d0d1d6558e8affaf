package types

// Version is the canonical dwiflow version.
// The CLI, journal format and notification payloads share this version.
const Version = "0.3.0"

// JournalVersion is the record format version written to analysis journals.
// Bumped only when journal records change shape.
const JournalVersion = "1"
