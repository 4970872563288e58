package analyzer

import (
	"strings"

	"github.com/fidde/pgworkload/pkg/models"
)

const (
	paramsMarker   = "parameters: "
	pairSeparator  = ", "
	valueSeparator = " = "
)

// ParamExtractor parses the "parameters: $1 = 'x', $2 = 5" list that
// PostgreSQL writes into the detail field of statements with bind parameters.
type ParamExtractor struct {
	// QuoteAware keeps ", " inside single-quoted values from splitting a pair.
	// Doubled quotes inside a value are treated as escapes.
	QuoteAware bool
}

// Extract returns the parameter map found in detail. A nil detail, or one
// without the "parameters: " marker, yields an empty map. A list that does
// not follow the grammar yields a *models.MalformedParameterError.
func (e ParamExtractor) Extract(detail *string) (models.ParameterMap, error) {
	if detail == nil {
		return models.ParameterMap{}, nil
	}
	i := strings.Index(*detail, paramsMarker)
	if i < 0 {
		return models.ParameterMap{}, nil
	}
	list := (*detail)[i+len(paramsMarker):]
	if list == "" {
		return models.ParameterMap{}, &models.MalformedParameterError{Reason: "empty parameter list"}
	}

	var pairs []string
	if e.QuoteAware {
		pairs = splitQuoted(list)
	} else {
		pairs = strings.Split(list, pairSeparator)
	}

	params := make([]models.Param, 0, len(pairs))
	seen := make(map[int]struct{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, valueSeparator)
		if !ok {
			return models.ParameterMap{}, &models.MalformedParameterError{Pair: pair, Reason: `missing " = "`}
		}
		index, err := models.ParsePlaceholder(key)
		if err != nil {
			return models.ParameterMap{}, &models.MalformedParameterError{Pair: pair, Reason: "key must match $<digits>"}
		}
		if index <= 0 {
			return models.ParameterMap{}, &models.MalformedParameterError{Pair: pair, Reason: "parameter index must be positive"}
		}
		if _, dup := seen[index]; dup {
			return models.ParameterMap{}, &models.MalformedParameterError{Pair: pair, Reason: "duplicate parameter"}
		}
		seen[index] = struct{}{}
		params = append(params, models.Param{Index: index, Value: value})
	}

	return models.NewParameterMap(params)
}

// splitQuoted splits list on ", " outside single-quoted runs.
func splitQuoted(list string) []string {
	var pairs []string
	inQuote := false
	start := 0
	for i := 0; i < len(list); i++ {
		switch {
		case list[i] == '\'':
			// '' inside a quoted run is an escaped quote and toggles twice.
			inQuote = !inQuote
		case !inQuote && strings.HasPrefix(list[i:], pairSeparator):
			pairs = append(pairs, list[start:i])
			i += len(pairSeparator) - 1
			start = i + 1
		}
	}
	return append(pairs, list[start:])
}
