package usage

import (
	"testing"
	"time"
)

func TestTotalsZeroValue(t *testing.T) {
	var tot Totals
	if tot.MaxVCPU != 0 || tot.MaxMemoryMiB != 0 || tot.MaxInstances != 0 {
		t.Fatalf("expected zero-value totals to be all-zero")
	}
}

func TestConcurrentUsageCategoriesAreIndependent(t *testing.T) {
	cu := ConcurrentUsage{
		User:      "alice",
		Date:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		RHEL:      Totals{MaxVCPU: 4, MaxMemoryMiB: 8192, MaxInstances: 1},
		OpenShift: Totals{MaxVCPU: 16, MaxMemoryMiB: 32768, MaxInstances: 2},
	}
	if cu.RHEL.MaxVCPU == cu.OpenShift.MaxVCPU {
		t.Fatalf("fixture should have distinct rhel/openshift totals")
	}
	if cu.RHEL.MaxInstances != 1 || cu.OpenShift.MaxInstances != 2 {
		t.Fatalf("unexpected instance counts: %+v", cu)
	}
}
