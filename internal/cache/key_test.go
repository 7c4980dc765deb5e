package cache

import (
	"regexp"
	"testing"
)

var hexKey = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestKey_FixedLengthHex(t *testing.T) {
	k := Key([]byte(`{"messages":[{"role":"user","content":"Hello"}]}`))
	if !hexKey.MatchString(k) {
		t.Fatalf("key %q is not a 64-char hex digest", k)
	}
}

func TestKey_CanonicalizesFieldOrder(t *testing.T) {
	a := Key([]byte(`{"messages":[{"role":"user","content":"hi"}],"stream":false}`))
	b := Key([]byte(`{"stream":false,"messages":[{"content":"hi","role":"user"}]}`))
	if a != b {
		t.Fatal("structurally identical bodies should share a key regardless of field order")
	}
}

func TestKey_DistinctBodiesDistinctKeys(t *testing.T) {
	a := Key([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	b := Key([]byte(`{"messages":[{"role":"user","content":"hi!"}]}`))
	if a == b {
		t.Fatal("different bodies must not collide")
	}
}

func TestKey_WrapperMetadataChangesKey(t *testing.T) {
	// Same logical messages via different transport shapes deliberately do not
	// share a cache entry: the full body, wrapper included, is hashed.
	chat := Key([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	gql := Key([]byte(`{"operationName":"generateCopilotResponse","variables":{"data":{"messages":[{"textMessage":{"role":"user","content":"hi"}}]}}}`))
	if chat == gql {
		t.Fatal("wrapper metadata must be part of the key")
	}
}

func TestBypassList_Defaults(t *testing.T) {
	bl, err := NewBypassList(DefaultBypassOperations, nil)
	if err != nil {
		t.Fatalf("NewBypassList: %v", err)
	}
	if !bl.Matches("IntrospectionQuery") {
		t.Error("introspection should bypass the cache")
	}
	if bl.Matches("generateCopilotResponse") {
		t.Error("generation operations should not bypass the cache")
	}
}

func TestBypassList_Patterns(t *testing.T) {
	bl, err := NewBypassList(nil, []string{"^debug"})
	if err != nil {
		t.Fatalf("NewBypassList: %v", err)
	}
	if !bl.Matches("debugEcho") {
		t.Error("pattern should match")
	}

	if _, err := NewBypassList(nil, []string{"("}); err == nil {
		t.Error("invalid pattern should fail at construction")
	}
}

func TestBypassList_NilSafe(t *testing.T) {
	var bl *BypassList
	if bl.Matches("anything") {
		t.Error("nil list must match nothing")
	}
	if bl.Len() != 0 {
		t.Error("nil list has zero rules")
	}
}
