package domain

import (
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
)

// NewDocumentID returns an id that is easy to read aloud, e.g.
// "gently-brave-otter-3f9a". The suffix keeps collisions unlikely; stores
// still check for reuse.
func NewDocumentID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return petname.Generate(3, "-") + "-" + suffix
}
