package coordinator

import (
	"github.com/google/go-cmp/cmp/cmpopts"

	"telly/internal/tale"
)

// Log ids are random.
var cmpLog = cmpopts.IgnoreFields(tale.LogEntry{}, "ID")
