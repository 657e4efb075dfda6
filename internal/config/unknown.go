package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxSuggestDistance is the largest edit distance for which an unknown key
// gets a "did you mean?" suggestion.
const maxSuggestDistance = 3

// knownKeys maps each table ("" for the top level) to its valid keys,
// derived from the toml struct tags.
var knownKeys = func() map[string][]string {
	out := map[string][]string{}
	collect := func(table string, t reflect.Type) {
		for i := range t.NumField() {
			if tag := t.Field(i).Tag.Get("toml"); tag != "" {
				out[table] = append(out[table], tag)
			}
		}
		slices.Sort(out[table])
	}
	collect("", reflect.TypeOf(Config{}))
	collect("engine", reflect.TypeOf(EngineConfig{}))
	collect("phase", reflect.TypeOf(PhaseConfig{}))
	collect("srt_listener", reflect.TypeOf(SRTListenerConfig{}))
	collect("output", reflect.TypeOf(OutputConfig{}))
	collect("api", reflect.TypeOf(APIConfig{}))
	collect("journal", reflect.TypeOf(JournalConfig{}))
	return out
}()

// checkUnknownKeys returns an error naming every key in the file that does
// not map to a config field, with a suggestion where one is close.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error
	for _, key := range md.Undecoded() {
		table, field := "", key[0]
		if len(key) > 1 {
			table, field = key[0], key[1]
		}
		if _, ok := knownKeys[table]; !ok {
			table, field = "", key[0]
		}

		name := key.String()
		if s := closestMatch(field, knownKeys[table]); s != "" {
			if table != "" {
				s = table + "." + s
			}
			errs = append(errs, fmt.Errorf("unknown config key %q, did you mean %q?", name, s))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", name))
		}
	}
	return errors.Join(errs...)
}

// closestMatch returns the known key nearest to unknown by edit distance, or
// "" if none is within maxSuggestDistance.
func closestMatch(unknown string, known []string) string {
	best, bestDist := "", maxSuggestDistance+1
	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}

func levenshtein(a, b string) int {
	a, b = strings.ToLower(a), strings.ToLower(b)
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := range len(a) {
		curr[0] = i + 1
		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}
			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
