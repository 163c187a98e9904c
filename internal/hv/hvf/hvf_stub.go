//go:build !darwin || !arm64

package hvf

import "github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"

func Open(ipaBits int) (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
