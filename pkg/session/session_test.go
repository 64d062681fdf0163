package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rubiojr/tripguide/pkg/store"
	"github.com/rubiojr/tripguide/pkg/validate"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "s.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAuthStateChanges(t *testing.T) {
	c := New()
	var seen []string
	c.OnAuthStateChanged(func(id string) { seen = append(seen, id) })

	_ = c.SetUser("u1")
	_ = c.SetUser("u1")
	_ = c.SetUser("")
	if len(seen) != 2 || seen[0] != "u1" || seen[1] != "" {
		t.Errorf("notifications = %q", seen)
	}
	if c.SignedIn() {
		t.Error("still signed in after sign out")
	}
}

func TestDisplayName(t *testing.T) {
	st := openStore(t)
	c := New(WithProfiles(st.Scope("profile")), WithUser("u1"))

	if _, err := c.SetDisplayName("   "); !errors.Is(err, validate.ErrValidation) {
		t.Fatalf("blank name err = %v", err)
	}
	if _, err := c.SetDisplayName(" Ann "); err != nil {
		t.Fatal(err)
	}

	again := New(WithProfiles(st.Scope("profile")), WithUser("u1"))
	if got := again.Profile().DisplayName; got != "Ann" {
		t.Errorf("persisted display name = %q", got)
	}

	anon := New()
	if _, err := anon.SetDisplayName("Bob"); !errors.Is(err, validate.ErrValidation) {
		t.Errorf("signed out SetDisplayName err = %v", err)
	}
}

func TestCloseRunsOnceInReverse(t *testing.T) {
	c := New(WithUser("u1"))
	var order []int
	c.OnClose(func() error { order = append(order, 1); return nil })
	c.OnClose(func() error { order = append(order, 2); return errors.New("flush failed") })

	err1 := c.Close()
	err2 := c.Close()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("close order = %v", order)
	}
	if err1 == nil || err1 != err2 {
		t.Errorf("close errors = %v, %v", err1, err2)
	}
	if err := c.SetUser("u2"); !errors.Is(err, ErrClosed) {
		t.Errorf("SetUser after close = %v", err)
	}
}

func TestCredentialCacheRoundTrip(t *testing.T) {
	st := openStore(t)
	keyPath := filepath.Join(t.TempDir(), "conf", "session.key")
	cc, err := OpenCredentialCache(st.Scope("auth"), keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := cc.Load(); ok || err != nil {
		t.Fatalf("empty cache Load = %v, %v", ok, err)
	}

	want := Credentials{UserID: "u1", Email: "ann@example.com", Password: "s3cret"}
	if err := cc.Save(want); err != nil {
		t.Fatal(err)
	}
	raw, _ := st.Scope("auth").Get("credentials")
	if _, leaked := raw["password"]; leaked {
		t.Error("password stored in clear")
	}

	reopened, err := OpenCredentialCache(st.Scope("auth"), keyPath)
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := reopened.Load()
	if err != nil || !ok || got != want {
		t.Errorf("Load = %+v, %v, %v", got, ok, err)
	}

	fi, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v", fi.Mode().Perm())
	}

	if err := cc.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := cc.Load(); ok {
		t.Error("credentials survived Clear")
	}
}

func TestCredentialCacheWrongKey(t *testing.T) {
	st := openStore(t)
	dir := t.TempDir()
	cc, _ := OpenCredentialCache(st.Scope("auth"), filepath.Join(dir, "a.key"))
	if err := cc.Save(Credentials{Email: "a@b.c", Password: "p"}); err != nil {
		t.Fatal(err)
	}
	other, _ := OpenCredentialCache(st.Scope("auth"), filepath.Join(dir, "b.key"))
	if _, _, err := other.Load(); !errors.Is(err, ErrSealed) {
		t.Errorf("wrong key err = %v", err)
	}
	if err := cc.Save(Credentials{Email: "", Password: "p"}); !errors.Is(err, validate.ErrValidation) {
		t.Errorf("blank email err = %v", err)
	}
}
