package pwa

import (
	"context"
	"regexp"
	"strings"

	"github.com/park285/card-scorekeeper/internal/localstore"
)

// FirebaseSDKVersion pins the compat scripts the front-end loads from the CDN.
const FirebaseSDKVersion = "9.22.0"

const cachePrefix = "card-game-"

var sameOriginAssets = []string{
	"/",
	"/index.html",
	"/scoring.html",
	"/styles.css",
	"/script.js",
	"/scoring.js",
	"/firebase.js",
	"/firebase-config.js",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

var sdkScripts = []string{
	"firebase-app-compat.js",
	"firebase-database-compat.js",
	"firebase-firestore-compat.js",
	"firebase-auth-compat.js",
}

type Icon struct {
	Src     string `json:"src"`
	Sizes   string `json:"sizes"`
	Type    string `json:"type"`
	Purpose string `json:"purpose,omitempty"`
}

type Manifest struct {
	Name            string `json:"name"`
	ShortName       string `json:"short_name"`
	Description     string `json:"description"`
	StartURL        string `json:"start_url"`
	Scope           string `json:"scope"`
	Display         string `json:"display"`
	Orientation     string `json:"orientation"`
	BackgroundColor string `json:"background_color"`
	ThemeColor      string `json:"theme_color"`
	Lang            string `json:"lang"`
	Icons           []Icon `json:"icons"`
}

// DefaultManifest is the installable app descriptor served at /manifest.json.
func DefaultManifest() Manifest {
	return Manifest{
		Name:            "Card Game Score Tracker",
		ShortName:       "Tính điểm",
		Description:     "Ghi điểm bài 4 người, đồng bộ giữa các thiết bị và dùng được khi offline",
		StartURL:        "/",
		Scope:           "/",
		Display:         "standalone",
		Orientation:     "portrait",
		BackgroundColor: "#ffffff",
		ThemeColor:      "#4caf50",
		Lang:            "vi",
		Icons: []Icon{
			{Src: "/icons/icon-192x192.png", Sizes: "192x192", Type: "image/png", Purpose: "any maskable"},
			{Src: "/icons/icon-512x512.png", Sizes: "512x512", Type: "image/png"},
		},
	}
}

// Precache is the offline asset list for one cache version.
type Precache struct {
	CacheName string   `json:"cacheName"`
	URLs      []string `json:"urls"`
}

// CacheName returns the version-stamped cache name, e.g. card-game-v1.
func CacheName(version string) string {
	version = strings.TrimSpace(version)
	if version == "" {
		version = "v1"
	}
	return cachePrefix + version
}

func SDKScriptURLs() []string {
	out := make([]string, 0, len(sdkScripts))
	for _, s := range sdkScripts {
		out = append(out, "https://www.gstatic.com/firebasejs/"+FirebaseSDKVersion+"/"+s)
	}
	return out
}

func NewPrecache(version string) Precache {
	urls := make([]string, 0, len(sameOriginAssets)+len(sdkScripts))
	urls = append(urls, sameOriginAssets...)
	urls = append(urls, SDKScriptURLs()...)
	return Precache{CacheName: CacheName(version), URLs: urls}
}

// StaleCaches lists the caches an activating worker deletes: every name except the current one.
func StaleCaches(existing []string, version string) []string {
	current := CacheName(version)
	var out []string
	for _, name := range existing {
		if name != current {
			out = append(out, name)
		}
	}
	return out
}

var iosAgent = regexp.MustCompile(`(?i)iPad|iPhone|iPod`)

// IsIOS reports whether the user agent belongs to a device without a native install prompt.
func IsIOS(userAgent string) bool {
	return iosAgent.MatchString(userAgent)
}

// InstallState is what the front-end needs to decide whether to show the install button.
type InstallState struct {
	Installed  bool   `json:"installed"`
	IOS        bool   `json:"ios"`
	ShowButton bool   `json:"showButton"`
	ButtonKey  string `json:"buttonKey"`
}

// State reads the pwaInstalled slot. Standalone display mode counts as installed.
func State(ctx context.Context, local *localstore.Store, userAgent string, standalone bool) InstallState {
	st := InstallState{
		Installed: standalone || local.Slot(ctx, localstore.SlotPWAInstalled) == "true",
		IOS:       IsIOS(userAgent),
		ButtonKey: "install.button",
	}
	if st.IOS {
		st.ButtonKey = "install.button_ios"
	}
	st.ShowButton = !st.Installed
	return st
}

// MarkInstalled records that the app was added to the home screen.
func MarkInstalled(ctx context.Context, local *localstore.Store) {
	local.SetSlot(ctx, localstore.SlotPWAInstalled, "true")
}
