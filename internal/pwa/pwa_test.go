package pwa

import (
	"context"
	"strings"
	"testing"

	"github.com/park285/card-scorekeeper/internal/localstore"
)

func TestPrecacheList(t *testing.T) {
	p := NewPrecache("v3")
	if p.CacheName != "card-game-v3" {
		t.Fatalf("cache name %q", p.CacheName)
	}
	if CacheName(" ") != "card-game-v1" {
		t.Fatalf("blank version should default")
	}
	var sdk int
	for _, u := range p.URLs {
		if strings.HasPrefix(u, "https://www.gstatic.com/firebasejs/9.22.0/") {
			sdk++
			continue
		}
		if !strings.HasPrefix(u, "/") {
			t.Fatalf("unexpected cross-origin asset %q", u)
		}
	}
	if sdk != 4 || p.URLs[0] != "/" {
		t.Fatalf("precache list: %v", p.URLs)
	}
}

func TestStaleCaches(t *testing.T) {
	got := StaleCaches([]string{"card-game-v1", "card-game-v2", "other"}, "v2")
	if len(got) != 2 || got[0] != "card-game-v1" || got[1] != "other" {
		t.Fatalf("stale caches %v", got)
	}
}

func TestInstallState(t *testing.T) {
	ctx := context.Background()
	local := localstore.New(localstore.NewMemoryBackend(), localstore.Options{})
	iphone := "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"

	st := State(ctx, local, iphone, false)
	if st.Installed || !st.IOS || !st.ShowButton || st.ButtonKey != "install.button_ios" {
		t.Fatalf("fresh iOS state %+v", st)
	}
	if st := State(ctx, local, "Mozilla/5.0 (Linux; Android 14)", true); !st.Installed || st.ShowButton {
		t.Fatalf("standalone should count as installed: %+v", st)
	}

	MarkInstalled(ctx, local)
	if st := State(ctx, local, iphone, false); !st.Installed || st.ShowButton {
		t.Fatalf("marked install not honored: %+v", st)
	}
}

func TestManifestIcons(t *testing.T) {
	m := DefaultManifest()
	if m.Display != "standalone" || m.StartURL != "/" || len(m.Icons) != 2 {
		t.Fatalf("manifest %+v", m)
	}
}
