// Package cloudtype defines the cloud_type discriminator shared by every
// multi-cloud entity in the system. The original system used per-cloud
// subclasses (AwsAccount, AzureAccount, ...); here each entity carries one
// of these values plus the cloud-specific fields inline, and shared
// behavior is expressed as small capability interfaces rather than runtime
// type dispatch.
package cloudtype

// Type identifies which cloud an account/image/instance belongs to.
type Type string

const (
	AWS   Type = "aws"
	Azure Type = "azure"
)

// Valid reports whether t is a recognized cloud type.
func (t Type) Valid() bool {
	switch t {
	case AWS, Azure:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	return string(t)
}
