package instancetype

import (
	"sync"
	"testing"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
)

func TestCacheSwapAndLookup(t *testing.T) {
	c := NewCache()
	if _, _, ok := c.Lookup(cloudtype.AWS, "t2.micro"); ok {
		t.Fatalf("expected miss on empty cache")
	}

	c.Swap([]Definition{{CloudType: cloudtype.AWS, InstanceType: "t2.micro", VCPU: 1, MemoryMiB: 1024}})

	vcpu, mem, ok := c.Lookup(cloudtype.AWS, "t2.micro")
	if !ok || vcpu != 1 || mem != 1024 {
		t.Fatalf("unexpected lookup result: %d %d %v", vcpu, mem, ok)
	}

	if _, _, ok := c.Lookup(cloudtype.Azure, "t2.micro"); ok {
		t.Fatalf("expected cloud-type isolation")
	}
}

func TestCacheConcurrentSwapSafe(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.Swap([]Definition{{CloudType: cloudtype.AWS, InstanceType: "t2.micro", VCPU: i, MemoryMiB: i}})
		}(i)
		go func() {
			defer wg.Done()
			c.Lookup(cloudtype.AWS, "t2.micro")
		}()
	}
	wg.Wait()
}
