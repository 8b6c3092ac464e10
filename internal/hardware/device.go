package hardware

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strings"

	"github.com/juju/errors"
	"github.com/minio/sha256-simd"

	"github.com/thomasgruebl/paccor4esp/internal/loader"
	"github.com/thomasgruebl/paccor4esp/internal/partition"
	"github.com/thomasgruebl/paccor4esp/internal/protocol"
)

// Loader is the subset of the ROM loader client a Device needs.
type Loader interface {
	ReadReg(address uint32) (uint32, error)
	SecurityInfo() (*protocol.SecurityInfo, error)
	FlashID(r loader.SPIRegisters) ([3]byte, error)
	FlashUniqueID(r loader.SPIRegisters) ([8]byte, error)
	ReadFlash(r loader.SPIRegisters, address, size uint32, progress loader.ProgressCallback) ([]byte, error)
	FlashMD5(address, size uint32) (string, error)
}

// Byte offsets added to the base MAC for derived interfaces.
const (
	macOffsetBluetooth = 2
	macOffsetEthernet  = 3
)

// flashReadChunk bounds a single READ round trip sequence.
const flashReadChunk = 0x1000

// Device is a Collaborator backed by a chip in ROM download mode.
type Device struct {
	ld   Loader
	prof *profile

	// Progress, if set, receives byte counts while whole regions are hashed.
	Progress func(label string, current, total int)

	table partition.Table
	info  *protocol.SecurityInfo
}

// Detect reads the chip magic register and returns a Device for the
// matching target.
func Detect(ld Loader) (*Device, error) {
	magic, err := ld.ReadReg(protocol.ChipMagicRegister)
	if err != nil {
		return nil, errors.Annotate(err, "read chip magic")
	}
	target, ok := protocol.TargetForMagic(magic)
	if !ok {
		return nil, errors.NotSupportedf("chip magic 0x%08X", magic)
	}
	return NewDevice(ld, target)
}

// NewDevice returns a Device for a known target without probing the chip.
func NewDevice(ld Loader, target string) (*Device, error) {
	p, err := lookupProfile(target)
	if err != nil {
		return nil, err
	}
	return &Device{ld: ld, prof: p}, nil
}

// Target returns the target name.
func (d *Device) Target() string { return d.prof.target }

func (d *Device) readReg(addr uint32) (uint32, error) {
	v, err := d.ld.ReadReg(addr)
	if err != nil {
		return 0, errors.Annotatef(err, "read register 0x%08X", addr)
	}
	return v, nil
}

func (d *Device) securityInfo() (*protocol.SecurityInfo, error) {
	if d.info != nil {
		return d.info, nil
	}
	info, err := d.ld.SecurityInfo()
	if err != nil {
		return nil, errors.Annotate(err, "get security info")
	}
	d.info = info
	return info, nil
}

// RawMAC implements Collaborator.
func (d *Device) RawMAC(kind MACKind) ([6]byte, error) {
	lo, err := d.readReg(d.prof.efuseMAC[0])
	if err != nil {
		return [6]byte{}, err
	}
	hi, err := d.readReg(d.prof.efuseMAC[1])
	if err != nil {
		return [6]byte{}, err
	}
	mac := macFromWords(lo, hi)

	switch kind {
	case MACBase, MACWiFiSTA:
	case MACEthernet:
		mac[5] += macOffsetEthernet
	case MACBluetooth:
		ok, err := d.prof.bluetooth(d)
		if err != nil {
			return [6]byte{}, err
		}
		if !ok {
			return [6]byte{}, errors.Annotate(ErrHardwareUnavailable, "bluetooth disabled in eFuse")
		}
		mac[5] += macOffsetBluetooth
	default:
		return [6]byte{}, errors.NotValidf("mac kind %v", kind)
	}
	return mac, nil
}

// ChipDescriptor implements Collaborator.
func (d *Device) ChipDescriptor() (ChipDescriptor, error) {
	return d.prof.chip(d)
}

// FlashDescriptor implements Collaborator.
func (d *Device) FlashDescriptor() (FlashDescriptor, error) {
	id, err := d.ld.FlashID(d.prof.spi)
	if err != nil {
		return FlashDescriptor{}, errors.Annotate(err, "read flash id")
	}
	uid, err := d.ld.FlashUniqueID(d.prof.spi)
	if err != nil {
		return FlashDescriptor{}, errors.Annotate(err, "read flash unique id")
	}

	fd := FlashDescriptor{
		ChipID:   uint32(id[0])<<16 | uint32(id[1])<<8 | uint32(id[2]),
		UniqueID: binary.BigEndian.Uint64(uid[:]),
	}
	if id[2] < 32 {
		fd.SizeBytes = 1 << id[2]
	}
	return fd, nil
}

// flashReader exposes a window of flash as an io.ReaderAt.
type flashReader struct {
	d      *Device
	base   uint32
	size   uint32
	label  string
	done   int
	report bool
}

func (r *flashReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(r.size) {
		return 0, io.EOF
	}
	want := len(p)
	if rem := int64(r.size) - off; int64(want) > rem {
		want = int(rem)
	}

	n := 0
	for n < want {
		chunk := want - n
		if chunk > flashReadChunk {
			chunk = flashReadChunk
		}
		addr := r.base + uint32(off) + uint32(n)
		data, err := r.d.ld.ReadFlash(r.d.prof.spi, addr, uint32(chunk), nil)
		if err != nil {
			return n, errors.Annotatef(err, "read flash 0x%08X", addr)
		}
		n += copy(p[n:], data)
		r.done += len(data)
		if r.report && r.d.Progress != nil {
			r.d.Progress(r.label, r.done, int(r.size))
		}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *Device) region(offset, size uint32, label string, report bool) *flashReader {
	return &flashReader{d: d, base: offset, size: size, label: label, report: report}
}

func (d *Device) partitions() (partition.Table, error) {
	if d.table != nil {
		return d.table, nil
	}
	data, err := d.ld.ReadFlash(d.prof.spi, protocol.PartitionTableAddress, protocol.PartitionTableSize, nil)
	if err != nil {
		return nil, errors.Annotate(err, "read partition table")
	}
	t, err := partition.ParseTable(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.table = t
	return t, nil
}

// FirstPartition implements Collaborator.
func (d *Device) FirstPartition() (partition.Partition, error) {
	t, err := d.partitions()
	if err != nil {
		return partition.Partition{}, err
	}
	p, ok := t.First()
	if !ok {
		return partition.Partition{}, errors.Trace(ErrPartitionNotFound)
	}
	return p, nil
}

func (d *Device) runningApp() (partition.Partition, error) {
	t, err := d.partitions()
	if err != nil {
		return partition.Partition{}, err
	}
	var seq uint32
	if od, ok := t.Find(partition.TypeData, partition.SubtypeOTAData); ok {
		seq, err = partition.BootSequence(d.region(od.Offset, od.Size, od.Label, false))
		if err != nil {
			return partition.Partition{}, errors.Annotate(err, "read otadata")
		}
	}
	p, ok := t.RunningApp(seq)
	if !ok {
		return partition.Partition{}, errors.Annotate(ErrPartitionNotFound, "no application partition")
	}
	return p, nil
}

// PartitionDigest implements Collaborator. Application partitions are
// digested as images; any other region is hashed whole.
func (d *Device) PartitionDigest(sel PartitionSelector) ([32]byte, error) {
	var p partition.Partition
	switch sel.kind {
	case selectBootloader:
		return d.hashRegion(d.prof.bootloaderOffset, d.prof.bootloaderSize, sel.String())
	case selectRunningApp:
		var err error
		if p, err = d.runningApp(); err != nil {
			return [32]byte{}, err
		}
	case selectLabel:
		t, err := d.partitions()
		if err != nil {
			return [32]byte{}, err
		}
		var ok bool
		if p, ok = t.ByLabel(sel.label); !ok {
			return [32]byte{}, errors.Annotatef(ErrPartitionNotFound, "label %q", sel.label)
		}
	}

	if p.Type != partition.TypeApp {
		return d.hashRegion(p.Offset, p.Size, p.Label)
	}
	digest, err := partition.ImageDigest(d.region(p.Offset, p.Size, p.Label, true), p.Size)
	if err != nil {
		return [32]byte{}, errors.Annotatef(err, "digest %s", p.Label)
	}
	return digest, nil
}

// hashRegion computes SHA-256 of a flash region and cross-checks the bytes
// read against the MD5 the ROM computes on the chip.
func (d *Device) hashRegion(offset, size uint32, label string) ([32]byte, error) {
	sh := sha256.New()
	mh := md5.New()
	r := io.NewSectionReader(d.region(offset, size, label, true), 0, int64(size))
	if _, err := io.Copy(io.MultiWriter(sh, mh), r); err != nil {
		return [32]byte{}, errors.Annotatef(err, "hash %s", label)
	}

	want, err := d.ld.FlashMD5(offset, size)
	if err != nil {
		return [32]byte{}, errors.Annotatef(err, "md5 %s", label)
	}
	if got := hex.EncodeToString(mh.Sum(nil)); !strings.EqualFold(got, want) {
		return [32]byte{}, errors.Errorf("%s read back corrupted: md5 %s, chip reports %s", label, got, want)
	}

	var digest [32]byte
	copy(digest[:], sh.Sum(nil))
	return digest, nil
}

// ELFDigest implements Collaborator.
func (d *Device) ELFDigest() ([32]byte, error) {
	p, err := d.runningApp()
	if err != nil {
		return [32]byte{}, err
	}
	desc, err := partition.ParseAppDescriptor(d.region(p.Offset, p.Size, p.Label, false))
	if err != nil {
		return [32]byte{}, errors.Annotatef(err, "app descriptor of %s", p.Label)
	}
	return desc.ELFSHA256, nil
}

// SecureBootDigest implements Collaborator. A chip without a provisioned
// digest reads as all zeros, matching an unprogrammed key block.
func (d *Device) SecureBootDigest() ([32]byte, error) {
	var digest [32]byte
	addr, ok, err := d.prof.secureBootKey(d)
	if err != nil || !ok {
		return digest, err
	}
	for i := 0; i < len(digest)/4; i++ {
		w, err := d.readReg(addr + uint32(i)*4)
		if err != nil {
			return [32]byte{}, err
		}
		binary.LittleEndian.PutUint32(digest[i*4:], w)
	}
	return digest, nil
}

// GPIOPinCount implements Collaborator.
func (d *Device) GPIOPinCount() int { return d.prof.pinCount }

// GPIOValid implements Collaborator.
func (d *Device) GPIOValid(pin int) bool {
	return pin >= 0 && pin < d.prof.pinCount && d.prof.validPins&(1<<uint(pin)) != 0
}

// GPIOLevel implements Collaborator. Pins that are not valid read low.
func (d *Device) GPIOLevel(pin int) (bool, error) {
	if !d.GPIOValid(pin) {
		return false, nil
	}
	v, err := d.readReg(d.prof.gpioIn[pin/32])
	if err != nil {
		return false, err
	}
	return v&(1<<uint(pin%32)) != 0, nil
}

// StorageStats implements Collaborator.
func (d *Device) StorageStats() (StorageStats, error) {
	t, err := d.partitions()
	if err != nil {
		return StorageStats{}, err
	}
	p, ok := t.Find(partition.TypeData, partition.SubtypeNVS)
	if !ok {
		return StorageStats{}, errors.Annotate(ErrPartitionNotFound, "nvs")
	}
	st, err := partition.ReadNVSStats(d.region(p.Offset, p.Size, p.Label, false), p.Size)
	if err != nil {
		return StorageStats{}, errors.Annotatef(err, "nvs stats of %s", p.Label)
	}
	return StorageStats{
		UsedEntries:  st.UsedEntries,
		FreeEntries:  st.FreeEntries,
		TotalEntries: st.TotalEntries,
	}, nil
}

// FactoryInfo implements Collaborator.
func (d *Device) FactoryInfo() FactoryInfo {
	return DefaultFactoryInfo(d.prof.target)
}

var _ Collaborator = (*Device)(nil)
