//go:build linux

package link

import (
	"net/netip"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Tun is a layer 3 TUN device. Reads return IPv4 datagrams addressed to the
// interface's subnet and writes inject datagrams into the host network stack.
type Tun struct {
	f    *os.File
	name string
	mtu  int
}

var _ Transport = (*Tun)(nil)

// OpenTun creates or attaches to the TUN interface name. If prefix is valid the
// interface is brought up and assigned prefix with the ip command, which
// requires CAP_NET_ADMIN.
func OpenTun(name string, prefix netip.Prefix) (*Tun, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, errors.Errorf("tun name %q too long", name)
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "opening /dev/net/tun")
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "tun ifreq")
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "creating tun interface %s", name)
	}
	// Non-blocking descriptors are managed by the runtime poller so Close
	// unblocks a pending Read.
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "tun set nonblock")
	}
	tun := &Tun{f: os.NewFile(uintptr(fd), "/dev/net/tun"), name: ifr.Name()}
	if prefix.IsValid() {
		err = exec.Command("ip", "link", "set", "dev", tun.name, "up").Run()
		if err != nil {
			tun.Close()
			return nil, errors.Wrap(err, "ip link set up")
		}
		err = exec.Command("ip", "addr", "add", prefix.String(), "dev", tun.name).Run()
		if err != nil {
			tun.Close()
			return nil, errors.Wrap(err, "ip addr add")
		}
	}
	tun.mtu, err = interfaceMTU(tun.name)
	if err != nil {
		tun.mtu = DefaultMTU
	}
	return tun, nil
}

// Name returns the kernel name of the interface.
func (tun *Tun) Name() string { return tun.name }

func (tun *Tun) Read(b []byte) (int, error) { return tun.f.Read(b) }

func (tun *Tun) Write(b []byte) (int, error) { return tun.f.Write(b) }

func (tun *Tun) MTU() int { return tun.mtu }

func (tun *Tun) Close() error { return tun.f.Close() }

func interfaceMTU(name string) (int, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrap(err, "mtu socket")
	}
	defer unix.Close(sock)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err = unix.IoctlIfreq(sock, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, errors.Wrapf(err, "SIOCGIFMTU %s", name)
	}
	return int(ifr.Uint32()), nil
}
