package registry

import (
	"github.com/imagereg/imaged/pkg/errors"
)

// Enumerated format sets for image records.
var (
	DiskFormats      = []string{"ami", "ari", "aki", "vhd", "vmdk", "raw", "qcow2", "vdi", "iso"}
	ContainerFormats = []string{"ami", "ari", "aki", "bare", "ovf"}
)

const maxNameLength = 255

// kernelFormats are the legacy kernel/ramdisk/machine formats whose disk and
// container format must agree.
var kernelFormats = map[string]bool{"aki": true, "ari": true, "ami": true}

func inSet(v string, set []string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// validateMetadata checks name length and the format fields, applying the
// kernel-format compatibility rule: if either format is aki/ari/ami the
// other must match, and an unset one is auto-filled. The disk and container
// format fields are mutated in place on auto-fill.
func validateMetadata(name string, diskFormat, containerFormat *string) error {
	if len(name) > maxNameLength {
		return errors.Wrapf(errors.ErrInvalid, "image name too long: %d", len(name))
	}

	if *diskFormat != "" && !inSet(*diskFormat, DiskFormats) {
		return errors.Wrapf(errors.ErrInvalid, "disk format %q", *diskFormat)
	}
	if *containerFormat != "" && !inSet(*containerFormat, ContainerFormats) {
		return errors.Wrapf(errors.ErrInvalid, "container format %q", *containerFormat)
	}

	if kernelFormats[*diskFormat] || kernelFormats[*containerFormat] {
		switch {
		case *diskFormat == "":
			*diskFormat = *containerFormat
		case *containerFormat == "":
			*containerFormat = *diskFormat
		case *diskFormat != *containerFormat:
			return errors.Wrapf(errors.ErrInvalid,
				"disk format %q and container format %q must match for aki/ari/ami images",
				*diskFormat, *containerFormat)
		}
	}

	return nil
}
