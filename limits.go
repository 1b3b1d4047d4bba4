package main

import "time"

// Operational limits of the server binary.
const (
	// selfSignedValidity stays under the 14-day limit browsers enforce for
	// certificates pinned with serverCertificateHashes.
	selfSignedValidity = 13 * 24 * time.Hour

	// previewRunes is the widest message column in `history` output.
	previewRunes = 60

	// testBotName is the display name of the virtual participant.
	testBotName = "testbot"
)
