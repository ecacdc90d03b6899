package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Key namespaces keep the two logical uses of the shared store from
// colliding and allow wholesale invalidation by bumping the version segment.
const (
	responseNamespace = "apicore:response:v1"
	callerNamespace   = "apicore:caller:v1"
	guardNamespace    = "apicore:guard:v1"
)

type keyPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DeriveKey builds the deterministic response cache key for an action
// invocation. String parameter values are compared case-insensitively. When
// private is set the caller id and connection id join the material so one
// caller's cached response can never serve another.
//
// Pairs are ordered by value rather than by name. That ordering is inherited
// behavior; it is deterministic for a fixed parameter set, which is all the
// cache requires, but sort-by-name was almost certainly intended.
func DeriveKey(action string, params map[string]string, callerID int64, connectionID string, private bool) string {
	pairs := make([]keyPair, 0, len(params)+2)
	for name, value := range params {
		pairs = append(pairs, keyPair{Name: name, Value: strings.ToLower(value)})
	}
	if private {
		pairs = append(pairs,
			keyPair{Name: "callerId", Value: strconv.FormatInt(callerID, 10)},
			keyPair{Name: "connectionId", Value: connectionID},
		)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value < pairs[j].Value
		}
		return pairs[i].Name < pairs[j].Name
	})

	material := struct {
		Action string    `json:"action"`
		Params []keyPair `json:"params"`
	}{Action: action, Params: pairs}

	serialized, err := json.Marshal(material)
	if err != nil {
		// keyPair marshaling cannot fail; keep the key deterministic anyway.
		serialized = []byte(action)
	}
	sum := sha256.Sum256(serialized)
	return responseNamespace + ":" + hex.EncodeToString(sum[:])
}

// CallerKey derives the caller cache key from a verified token subject.
func CallerKey(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return callerNamespace + ":" + hex.EncodeToString(sum[:])
}

// GuardKey derives the in-flight token key used by the slamming guard for one
// (action, caller) pair.
func GuardKey(action string, callerID int64) string {
	return guardNamespace + ":" + action + ":" + strconv.FormatInt(callerID, 10)
}
