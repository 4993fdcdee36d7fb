// Package auth turns flat provider settings into an immutable ProviderConfig
// and authenticates bearer tokens against it.
//
// Resolution is pure: Resolve never touches the network. It normalizes
// provider URLs, enforces that exactly one key source (a static public key
// or a key-set endpoint) is configured, and derives well-known endpoints for
// managed providers such as AuthKit:
//
//	settings, _ := auth.LoadSettings()
//	cfg, err := auth.Resolve(settings)
//	if err != nil {
//	    // every request will answer 500 until configuration is fixed
//	}
//	authn, err := auth.NewAuthenticator(cfg, auth.WithLogger(log))
//
// Authenticate maps validation failures onto OAuth 2.0 bearer challenges:
//
//	vc, fail := authn.Authenticate(ctx, r.Header.Get("Authorization"))
//	if fail != nil {
//	    w.Header().Set("WWW-Authenticate", fail.Challenge(resourceMetadataURL))
//	    // ...write fail.Status
//	}
//
// Discover is an optional helper that fills Settings from an issuer's OpenID
// configuration document before Resolve runs.
package auth
