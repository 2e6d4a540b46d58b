package store

import (
	"errors"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"anonamoose/internal/pii"
)

func binding(placeholder, original, category string) pii.TokenBinding {
	return pii.TokenBinding{
		Placeholder: placeholder,
		Original:    original,
		Layer:       pii.LayerDictionary,
		Category:    category,
	}
}

func TestValidSessionID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"5b2c6a80-93d1-4f0a-8c1e-2f9f53a1b0c4", true},
		{"5B2C6A80-93D1-4F0A-8C1E-2F9F53A1B0C4", false},
		{"5b2c6a80-93d1-4f0a-8c1e", false},
		{"not-a-uuid", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidSessionID(tt.id); got != tt.want {
			t.Errorf("ValidSessionID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestNewSessionID_IsValid(t *testing.T) {
	id := NewSessionID()
	if !ValidSessionID(id) {
		t.Errorf("NewSessionID() = %q does not match the session id shape", id)
	}
}

func TestStoreTokens_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := NewSessionID()

	bindings := []pii.TokenBinding{
		binding("aaaaaaaaaaaaaaaa", "alice@example.com", "EMAIL"),
		binding("bbbbbbbbbbbbbbbb", "Alice Smith", "PERSON"),
	}
	if err := s.StoreTokens(id, bindings, 0); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}

	sess, err := s.Retrieve(id)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if sess.SessionID != id {
		t.Errorf("SessionID = %q, want %q", sess.SessionID, id)
	}
	if len(sess.Tokens) != 2 {
		t.Fatalf("len(Tokens) = %d, want 2", len(sess.Tokens))
	}
	if !sess.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", sess.CreatedAt, base)
	}
	if want := base.Add(DefaultTTL); !sess.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", sess.ExpiresAt, want)
	}
}

func TestStoreTokens_DedupIsCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	id := NewSessionID()

	first := binding("aaaaaaaaaaaaaaaa", "Alice Smith", "PERSON")
	if err := s.StoreTokens(id, []pii.TokenBinding{first}, 0); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}
	again := []pii.TokenBinding{
		binding("cccccccccccccccc", "ALICE SMITH", "PERSON"),
		binding("dddddddddddddddd", "bob@example.com", "EMAIL"),
	}
	if err := s.StoreTokens(id, again, 0); err != nil {
		t.Fatalf("StoreTokens() second call error = %v", err)
	}

	sess, err := s.Retrieve(id)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(sess.Tokens) != 2 {
		t.Fatalf("len(Tokens) = %d, want 2 (duplicate original must be dropped)", len(sess.Tokens))
	}
	if sess.Tokens[0].Placeholder != first.Placeholder {
		t.Errorf("first binding placeholder = %q, want the original mapping kept", sess.Tokens[0].Placeholder)
	}
	if sess.Tokens[1].Original != "bob@example.com" {
		t.Errorf("second binding original = %q, want bob@example.com", sess.Tokens[1].Original)
	}
}

func TestStoreTokens_SkipsEmptyOriginals(t *testing.T) {
	s := newTestStore(t)
	id := NewSessionID()

	err := s.StoreTokens(id, []pii.TokenBinding{
		binding("aaaaaaaaaaaaaaaa", "", "EMAIL"),
		binding("bbbbbbbbbbbbbbbb", "real@example.com", "EMAIL"),
	}, 0)
	if err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}

	sess, err := s.Retrieve(id)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(sess.Tokens) != 1 {
		t.Errorf("len(Tokens) = %d, want 1", len(sess.Tokens))
	}
}

func TestStoreTokens_RejectsBadInput(t *testing.T) {
	s := newTestStore(t)

	if err := s.StoreTokens("not-a-uuid", nil, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("malformed id error = %v, want ErrInvalidInput", err)
	}
	if err := s.StoreTokens(NewSessionID(), nil, MaxTTL+time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("oversize ttl error = %v, want ErrInvalidInput", err)
	}
}

func TestStoreTokens_PushesExpiryForward(t *testing.T) {
	s := newTestStore(t)
	id := NewSessionID()

	if err := s.StoreTokens(id, []pii.TokenBinding{binding("aaaaaaaaaaaaaaaa", "x", "EMAIL")}, time.Hour); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}
	setNow(s, base.Add(30*time.Minute))
	if err := s.StoreTokens(id, []pii.TokenBinding{binding("bbbbbbbbbbbbbbbb", "y", "EMAIL")}, time.Hour); err != nil {
		t.Fatalf("StoreTokens() second call error = %v", err)
	}

	sess, err := s.Retrieve(id)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if want := base.Add(90 * time.Minute); !sess.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", sess.ExpiresAt, want)
	}
	if !sess.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want unchanged %v", sess.CreatedAt, base)
	}
}

func TestRetrieve_MissingAndMalformed(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Retrieve(NewSessionID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown session error = %v, want ErrNotFound", err)
	}
	// A malformed id reads as absent, not invalid: lookups never 400.
	if _, err := s.Retrieve("garbage"); !errors.Is(err, ErrNotFound) {
		t.Errorf("malformed id error = %v, want ErrNotFound", err)
	}
}

func TestRetrieve_ExpiresLazily(t *testing.T) {
	s := newTestStore(t)
	id := NewSessionID()

	if err := s.StoreTokens(id, []pii.TokenBinding{binding("aaaaaaaaaaaaaaaa", "x", "EMAIL")}, time.Minute); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}
	setNow(s, base.Add(2*time.Minute))
	if _, err := s.Retrieve(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session error = %v, want ErrNotFound", err)
	}

	// Winding the clock back must not resurrect it: the lazy expiry deleted
	// the row, not just hid it.
	setNow(s, base)
	if _, err := s.Retrieve(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("after lazy expiry error = %v, want ErrNotFound", err)
	}
}

func TestHydrate_ReplacesAllOccurrences(t *testing.T) {
	s := newTestStore(t)
	id := NewSessionID()

	ph := "aaaaaaaaaaaaaaaa"
	if err := s.StoreTokens(id, []pii.TokenBinding{binding(ph, "alice@example.com", "EMAIL")}, 0); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}

	got, err := s.Hydrate("mail "+ph+" and again "+ph+".", id)
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	want := "mail alice@example.com and again alice@example.com."
	if got != want {
		t.Errorf("Hydrate() = %q, want %q", got, want)
	}
}

func TestHydrate_UnknownSession(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Hydrate("text", NewSessionID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Hydrate() error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	id := NewSessionID()

	if err := s.StoreTokens(id, []pii.TokenBinding{binding("aaaaaaaaaaaaaaaa", "x", "EMAIL")}, 0); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}

	existed, err := s.Delete(id)
	if err != nil || !existed {
		t.Errorf("Delete() = (%v, %v), want (true, nil)", existed, err)
	}
	existed, err = s.Delete(id)
	if err != nil || existed {
		t.Errorf("second Delete() = (%v, %v), want (false, nil)", existed, err)
	}
}

func TestDeleteAll(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.StoreTokens(NewSessionID(), []pii.TokenBinding{binding("aaaaaaaaaaaaaaaa", "x", "EMAIL")}, 0); err != nil {
			t.Fatalf("StoreTokens() error = %v", err)
		}
	}

	n, err := s.DeleteAll()
	if err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if n != 3 {
		t.Errorf("DeleteAll() = %d, want 3", n)
	}
	size, err := s.Size()
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != 0 {
		t.Errorf("Size() after DeleteAll = %d, want 0", size)
	}
}

func TestExtend(t *testing.T) {
	s := newTestStore(t)
	id := NewSessionID()

	if err := s.StoreTokens(id, []pii.TokenBinding{binding("aaaaaaaaaaaaaaaa", "x", "EMAIL")}, time.Minute); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}
	existed, err := s.Extend(id, 2*time.Hour)
	if err != nil || !existed {
		t.Fatalf("Extend() = (%v, %v), want (true, nil)", existed, err)
	}

	// Past the original minute but inside the extension.
	setNow(s, base.Add(time.Hour))
	if _, err := s.Retrieve(id); err != nil {
		t.Errorf("Retrieve() after Extend error = %v", err)
	}

	existed, err = s.Extend(NewSessionID(), time.Hour)
	if err != nil || existed {
		t.Errorf("Extend() of unknown session = (%v, %v), want (false, nil)", existed, err)
	}
}

func TestExtend_RejectsBadInput(t *testing.T) {
	s := newTestStore(t)
	id := NewSessionID()

	if _, err := s.Extend("garbage", time.Hour); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("malformed id error = %v, want ErrInvalidInput", err)
	}
	if _, err := s.Extend(id, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("zero ttl error = %v, want ErrInvalidInput", err)
	}
	if _, err := s.Extend(id, MaxTTL+time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("oversize ttl error = %v, want ErrInvalidInput", err)
	}
}

func TestSize_CountsOnlyLiveSessions(t *testing.T) {
	s := newTestStore(t)

	a := NewSessionID()
	if err := s.StoreTokens(a, []pii.TokenBinding{binding("aaaaaaaaaaaaaaaa", "x", "EMAIL")}, time.Hour); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}
	setNow(s, base.Add(30*time.Minute))
	b := NewSessionID()
	if err := s.StoreTokens(b, []pii.TokenBinding{binding("bbbbbbbbbbbbbbbb", "y", "EMAIL")}, time.Hour); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}

	setNow(s, base.Add(90*time.Minute)) // a expired, b live
	size, err := s.Size()
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != 1 {
		t.Errorf("Size() = %d, want 1", size)
	}
}

func TestGetAll_NewestFirst(t *testing.T) {
	s := newTestStore(t)

	ids := make([]string, 3)
	for i := range ids {
		setNow(s, base.Add(time.Duration(i)*time.Minute))
		ids[i] = NewSessionID()
		if err := s.StoreTokens(ids[i], []pii.TokenBinding{binding("aaaaaaaaaaaaaaaa", "x", "EMAIL")}, time.Hour); err != nil {
			t.Fatalf("StoreTokens() error = %v", err)
		}
	}

	all, err := s.GetAll()
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(GetAll()) = %d, want 3", len(all))
	}
	for i, want := range []string{ids[2], ids[1], ids[0]} {
		if all[i].SessionID != want {
			t.Errorf("GetAll()[%d] = %s, want %s", i, all[i].SessionID, want)
		}
	}
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)

	hit := NewSessionID()
	tb := binding("aaaaaaaaaaaaaaaa", "Alice Smith", "PERSON")
	tb.Meta = map[string]string{"note": "VIP-Customer"}
	if err := s.StoreTokens(hit, []pii.TokenBinding{tb}, 0); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}
	miss := NewSessionID()
	if err := s.StoreTokens(miss, []pii.TokenBinding{binding("bbbbbbbbbbbbbbbb", "10.0.0.1", "IP_ADDRESS")}, 0); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}

	tests := []struct {
		name string
		q    string
		want int
	}{
		{"by original", "alice", 1},
		{"by category", "person", 1},
		{"by meta value", "vip", 1},
		{"no match", "zzz", 0},
		{"matches both", "a", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Search(tt.q)
			if err != nil {
				t.Fatalf("Search(%q) error = %v", tt.q, err)
			}
			if len(got) != tt.want {
				t.Errorf("len(Search(%q)) = %d, want %d", tt.q, len(got), tt.want)
			}
		})
	}
}

func TestSweepExpired(t *testing.T) {
	s := newTestStore(t)

	expired := NewSessionID()
	if err := s.StoreTokens(expired, []pii.TokenBinding{binding("aaaaaaaaaaaaaaaa", "x", "EMAIL")}, time.Minute); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}
	live := NewSessionID()
	if err := s.StoreTokens(live, []pii.TokenBinding{binding("bbbbbbbbbbbbbbbb", "y", "EMAIL")}, MaxTTL); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}
	// Rows that fail to decode are swept rather than kept forever.
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte("corrupt"), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}

	setNow(s, base.Add(10*time.Minute))
	n, err := s.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if n != 2 {
		t.Errorf("SweepExpired() = %d, want 2", n)
	}
	if _, err := s.Retrieve(live); err != nil {
		t.Errorf("live session gone after sweep: %v", err)
	}
}
