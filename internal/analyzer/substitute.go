package analyzer

import (
	"strings"

	"github.com/fidde/pgworkload/pkg/models"
)

// Substitute replaces each "$n" key of params in raw with its value. Keys are
// tried in descending numeric order so "$12" wins over "$1" at the same
// position, and substituted text is never rescanned. Keys without a value
// are left as they are.
func Substitute(raw string, params models.ParameterMap) string {
	if params.Len() == 0 || raw == "" {
		return raw
	}
	desc := params.Descending()
	oldnew := make([]string, 0, 2*len(desc))
	for _, p := range desc {
		oldnew = append(oldnew, p.Key(), p.Value)
	}
	return strings.NewReplacer(oldnew...).Replace(raw)
}
