// Command gxend bootstraps one device.Device against a set of mapped BAR
// files and serves sessions over a Unix domain socket, reproducing the
// construction shape of cross_main.cc/main.cc (one device, handed to every
// accepted context) per spec §9's "Singletons -> explicit process-wide
// state" design note. The socket accept loop, framing, and PCI/hypervisor
// bootstrap are the external collaborators spec §1 places outside the
// core; this command is the thinnest reference wiring of them.
package main

import (
	"fmt"
	"os"

	stdcontext "context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/CPFL/gxen/pkg/device"
	"github.com/CPFL/gxen/pkg/gxenabi"
	"github.com/CPFL/gxen/pkg/hwio"
	"github.com/CPFL/gxen/pkg/session"
)

type flags struct {
	bar0Path    string
	bar1Path    string
	bar3Path    string
	vramBase    uint64
	vramSize    uint64
	maxVirtGPU  uint32
	socketPath  string
	pollArea    uint64
	slabPages   uint64
	metricsAddr string
	pciBus      uint8
	pciDevice   uint8
	pciFunction uint8
}

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:   "gxend",
		Short: "GPU virtualization mediator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	pf := root.Flags()
	pf.StringVar(&f.bar0Path, "bar0", "", "path to the BAR0 (register) device file")
	pf.StringVar(&f.bar1Path, "bar1", "", "path to the BAR1 (framebuffer/system-memory window) device file")
	pf.StringVar(&f.bar3Path, "bar3", "", "path to the BAR3 device file")
	pf.Uint64Var(&f.vramBase, "vram-base", 4<<30, "host-physical base of the mediated VRAM window")
	pf.Uint64Var(&f.vramSize, "vram-size", 2<<30, "size of the mediated VRAM window")
	pf.Uint32Var(&f.maxVirtGPU, "max-virtual-gpu", 16, "size of the virtual-GPU id pool")
	pf.StringVar(&f.socketPath, "socket", "/run/gxend.sock", "unix domain socket to accept guest sessions on")
	pf.Uint64Var(&f.pollArea, "poll-area", 0x40000000, "guest-virtual base of the BAR1 poll area")
	pf.Uint64Var(&f.slabPages, "slab-pages", 4096, "VRAM pages reserved per guest session's address slab")
	pf.StringVar(&f.metricsAddr, "metrics-addr", ":9091", "address to serve Prometheus metrics on")
	pf.Uint8Var(&f.pciBus, "pci-bus", 0, "physical GPU PCI bus number")
	pf.Uint8Var(&f.pciDevice, "pci-device", 0, "physical GPU PCI device number")
	pf.Uint8Var(&f.pciFunction, "pci-function", 0, "physical GPU PCI function number")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// noopHypervisor is the demo bootstrap's stand-in for the hypervisor
// device-assignment calls spec §1 places outside the core.
type noopHypervisor struct {
	log *logrus.Logger
}

func (h noopHypervisor) AssignDevice(ctx stdcontext.Context, domid int32, bdf device.PCIAddress) error {
	h.log.WithField("domid", domid).Info("assign device (noop)")
	return nil
}

func (h noopHypervisor) DeassignDevice(ctx stdcontext.Context, domid int32, bdf device.PCIAddress) error {
	h.log.WithField("domid", domid).Info("deassign device (noop)")
	return nil
}

func run(ctx stdcontext.Context, f *flags) error {
	log := logrus.StandardLogger()
	if f.bar0Path == "" || f.bar1Path == "" || f.bar3Path == "" {
		return errors.New("gxend: --bar0, --bar1 and --bar3 are required")
	}

	bars := map[gxenabi.BAR]hwio.BAR{}
	for id, path := range map[gxenabi.BAR]string{
		gxenabi.BAR0: f.bar0Path,
		gxenabi.BAR1: f.bar1Path,
		gxenabi.BAR3: f.bar3Path,
	} {
		bar, err := hwio.OpenFileBAR(path)
		if err != nil {
			return err
		}
		bars[id] = bar
	}

	reg := prometheus.NewRegistry()
	metrics := device.NewMetrics(reg)

	dev, err := device.New(device.Config{
		BARs:          bars,
		VRAMBase:      gxenabi.HostPhysAddr(f.vramBase),
		VRAMSize:      f.vramSize,
		MaxVirtualGPU: f.maxVirtGPU,
		BDF:           device.PCIAddress{Bus: f.pciBus, Device: f.pciDevice, Function: f.pciFunction},
		Hypervisor:    noopHypervisor{log: log},
		Log:           log,
		Metrics:       metrics,
	})
	if err != nil {
		return errors.Wrap(err, "gxend: construct device")
	}

	go func() {
		mux := promHandler(reg)
		log.WithField("addr", f.metricsAddr).Info("serving metrics")
		if err := serveMetrics(f.metricsAddr, mux); err != nil {
			log.WithError(err).Warn("metrics server exited")
		}
	}()

	return acceptLoop(ctx, dev, log, f)
}

func acceptLoop(ctx stdcontext.Context, dev *device.Device, log *logrus.Logger, f *flags) error {
	_ = unix.Unlink(f.socketPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return errors.Wrap(err, "gxend: create socket")
	}
	defer unix.Close(fd)

	addr := &unix.SockaddrUnix{Name: f.socketPath}
	if err := unix.Bind(fd, addr); err != nil {
		return errors.Wrap(err, "gxend: bind socket")
	}
	if err := unix.Listen(fd, 16); err != nil {
		return errors.Wrap(err, "gxend: listen")
	}
	log.WithField("socket", f.socketPath).Info("accepting guest sessions")

	for {
		connFd, _, err := unix.Accept(fd)
		if err != nil {
			return errors.Wrap(err, "gxend: accept")
		}
		conn := &fdConn{fd: connFd}
		cfg := session.Config{
			Device:    dev,
			Log:       log,
			PollArea:  gxenabi.GuestVirtAddr(f.pollArea),
			SlabPages: f.slabPages,
		}
		go func() {
			defer conn.Close()
			if err := session.Serve(ctx, conn, cfg); err != nil {
				log.WithError(err).Warn("session ended")
			}
		}()
	}
}

// fdConn adapts a raw accepted file descriptor to io.ReadWriter via
// unix.Read/unix.Write, the granularity session.Serve consumes.
type fdConn struct {
	fd int
}

func (c *fdConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, os.ErrClosed
	}
	return n, nil
}

func (c *fdConn) Write(p []byte) (int, error) {
	return unix.Write(c.fd, p)
}

func (c *fdConn) Close() error {
	return unix.Close(c.fd)
}
