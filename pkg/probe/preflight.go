package probe

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/net-probe/pkg/logger"
	"github.com/supporttools/net-probe/pkg/util"
)

// ErrNoNetwork is returned by CheckNetworkStack when no usable interface is up.
var ErrNoNetwork = errors.New("no non-loopback network interface is up")

// InterfaceLister lists the host's network interfaces.
type InterfaceLister func() ([]net.Interface, error)

// CheckNetworkStack verifies that at least one non-loopback interface is up.
// It returns the names of the usable interfaces.
func CheckNetworkStack(list InterfaceLister) ([]string, error) {
	if list == nil {
		list = net.Interfaces
	}

	ifaces, err := list()
	if err != nil {
		return nil, fmt.Errorf("failed to list network interfaces: %w", err)
	}

	var usable []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		usable = append(usable, iface.Name)
	}
	if len(usable) == 0 {
		return nil, ErrNoNetwork
	}
	return usable, nil
}

// Preflight checks the network stack before the probe loop starts.
// A failed check is returned only when required is true; otherwise it is logged.
func Preflight(required bool, list InterfaceLister) error {
	log := logger.ForComponent("preflight").WithField("container", util.IsRunningInContainer())

	usable, err := CheckNetworkStack(list)
	if err != nil {
		if required {
			return err
		}
		log.WithError(err).Warn("Network preflight failed, continuing")
		return nil
	}

	log.WithFields(logrus.Fields{"interfaces": usable}).Info("Network preflight passed")
	return nil
}
