package image

import "testing"

func TestClassifyCaseInsensitiveAndOwnerGated(t *testing.T) {
	marketplace := []string{"Marketplace"}
	cloudAccess := []string{"Cloud-Access"}
	owners := []string{"123456789012"}

	isMarket, isCA := Classify("RHEL-8-MARKETPLACE-GOLD", "123456789012", marketplace, cloudAccess, owners)
	if !isMarket {
		t.Fatalf("expected marketplace substring match to be case-insensitive")
	}
	if isCA {
		t.Fatalf("unexpected cloud-access match")
	}

	// Same name, owner not in the configured set: neither flag may be set.
	isMarket, isCA = Classify("RHEL-8-MARKETPLACE-GOLD", "999999999999", marketplace, cloudAccess, owners)
	if isMarket || isCA {
		t.Fatalf("classification must require owner membership regardless of name match")
	}

	isMarket, isCA = Classify("rhel-8-cloud-access-std", "123456789012", marketplace, cloudAccess, owners)
	if isMarket {
		t.Fatalf("unexpected marketplace match")
	}
	if !isCA {
		t.Fatalf("expected case-insensitive cloud-access match")
	}
}

func TestRHELDerivationXORChallenge(t *testing.T) {
	img := Image{Flags: Flags{RHELDetectedByTag: true}}
	if !img.RHEL() {
		t.Fatalf("expected rhel true when detected by tag")
	}

	img.Flags.RHELChallenged = true
	if img.RHEL() {
		t.Fatalf("expected challenge to XOR off a true detection")
	}

	img2 := Image{Flags: Flags{RHELChallenged: true}}
	if !img2.RHEL() {
		t.Fatalf("expected challenge alone (no detection) to XOR to true")
	}
}

func TestOpenShiftDerivationXORChallenge(t *testing.T) {
	img := Image{Flags: Flags{OpenShiftDetected: true}}
	if !img.OpenShift() {
		t.Fatalf("expected openshift true when detected")
	}
	img.Flags.OpenShiftChallenged = true
	if img.OpenShift() {
		t.Fatalf("expected challenge to XOR off detection")
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		prior, next Status
		want        bool
	}{
		{StatusPending, StatusPreparing, true},
		{StatusPending, StatusInspected, true},
		{StatusPending, StatusUnavailable, true},
		{StatusPreparing, StatusInspecting, true},
		{StatusInspecting, StatusInspected, true},
		{StatusInspecting, StatusError, true},
		{StatusInspected, StatusPending, false},
		{StatusError, StatusPending, false},
		{StatusPreparing, StatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.prior, tc.next); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.prior, tc.next, got, tc.want)
		}
	}
}
