package fix

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

const (
	// DefaultBaudRate is the usual rate of NMEA GNSS receivers.
	DefaultBaudRate = 9600
	// hdopMeters approximates horizontal accuracy from HDOP.
	hdopMeters = 5.0
	// defaultAccuracyMeters is used until a GGA sentence reports HDOP.
	defaultAccuracyMeters = 25.0
	reopenDelay           = 5 * time.Second
)

// PortOpener opens the serial device. Tests replace it.
type PortOpener func(device string, baud int) (io.ReadCloser, error)

func openSerial(device string, baud int) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", device, err)
	}
	return port, nil
}

// NMEASource reads RMC and GGA sentences from a GNSS receiver.
type NMEASource struct {
	Device string
	Baud   int

	logger *logx.Logger
	open   PortOpener
	now    func() time.Time
}

// NewNMEASource creates a source for device (e.g. /dev/ttyUSB1).
func NewNMEASource(device string, baud int, logger *logx.Logger) *NMEASource {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &NMEASource{Device: device, Baud: baud, logger: logger, open: openSerial, now: time.Now}
}

// WithOpener overrides how the port is opened.
func (s *NMEASource) WithOpener(open PortOpener) *NMEASource {
	s.open = open
	return s
}

// Subscribe opens the device and streams fixes. Read errors reopen the port
// after a short delay until ctx ends.
func (s *NMEASource) Subscribe(ctx context.Context, distanceFilterMeters float64, accuracy pkg.Accuracy) (<-chan pkg.LocationFix, error) {
	port, err := s.open(s.Device, s.Baud)
	if err != nil {
		return nil, err
	}

	out := make(chan pkg.LocationFix, 4)
	go func() {
		defer close(out)
		filter := &distanceFilter{minMeters: distanceFilterMeters}
		s.logger.Info("NMEA receiver opened", "device", s.Device, "baud", s.Baud, "accuracy", string(accuracy))

		for {
			err := s.readPort(ctx, port, filter, out)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("NMEA read failed", "device", s.Device, "error", err)

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(reopenDelay):
				}
				if port, err = s.open(s.Device, s.Baud); err == nil {
					break
				}
				s.logger.Warn("Failed to reopen NMEA device", "device", s.Device, "error", err)
			}
		}
	}()
	return out, nil
}

func (s *NMEASource) readPort(ctx context.Context, port io.ReadCloser, filter *distanceFilter, out chan<- pkg.LocationFix) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		port.Close()
	}()

	parser := &nmeaParser{now: s.now}
	scan := bufio.NewScanner(port)
	for scan.Scan() {
		fix, ok := parser.feed(scan.Text())
		if !ok || !filter.accept(fix) {
			continue
		}
		select {
		case out <- fix:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scan.Err(); err != nil {
		return err
	}
	return io.EOF
}

// nmeaParser merges GGA accuracy into RMC positions and drops repeated
// epochs.
type nmeaParser struct {
	now      func() time.Time
	accuracy float64
	lastTime time.Time
}

func (p *nmeaParser) feed(line string) (pkg.LocationFix, bool) {
	line = strings.TrimSpace(line)
	if !validChecksum(line) {
		return pkg.LocationFix{}, false
	}
	if i := strings.IndexByte(line, '*'); i >= 0 {
		line = line[:i]
	}

	var fix pkg.LocationFix
	var ok bool
	switch {
	case strings.HasPrefix(line, "$GPGGA"), strings.HasPrefix(line, "$GNGGA"):
		fix, ok = p.parseGGA(strings.Split(line, ","))
	case strings.HasPrefix(line, "$GPRMC"), strings.HasPrefix(line, "$GNRMC"):
		fix, ok = p.parseRMC(strings.Split(line, ","))
	}
	if !ok || fix.Timestamp.Equal(p.lastTime) {
		return pkg.LocationFix{}, false
	}
	p.lastTime = fix.Timestamp
	return fix, true
}

func (p *nmeaParser) currentAccuracy() float64 {
	if p.accuracy > 0 {
		return p.accuracy
	}
	return defaultAccuracyMeters
}

func (p *nmeaParser) parseGGA(parts []string) (pkg.LocationFix, bool) {
	if len(parts) < 10 {
		return pkg.LocationFix{}, false
	}
	if quality, err := strconv.Atoi(parts[6]); err != nil || quality == 0 {
		return pkg.LocationFix{}, false
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil && hdop > 0 {
		p.accuracy = hdop * hdopMeters
	}

	lat, ok1 := parseCoordinate(parts[2], parts[3])
	lon, ok2 := parseCoordinate(parts[4], parts[5])
	if !ok1 || !ok2 {
		return pkg.LocationFix{}, false
	}
	ts, ok := parseNMEATime(parts[1], "", p.now())
	if !ok {
		return pkg.LocationFix{}, false
	}
	return pkg.LocationFix{Latitude: lat, Longitude: lon, Accuracy: p.currentAccuracy(), Timestamp: ts}, true
}

func (p *nmeaParser) parseRMC(parts []string) (pkg.LocationFix, bool) {
	if len(parts) < 10 || parts[2] != "A" {
		return pkg.LocationFix{}, false
	}
	lat, ok1 := parseCoordinate(parts[3], parts[4])
	lon, ok2 := parseCoordinate(parts[5], parts[6])
	if !ok1 || !ok2 {
		return pkg.LocationFix{}, false
	}
	ts, ok := parseNMEATime(parts[1], parts[9], p.now())
	if !ok {
		return pkg.LocationFix{}, false
	}
	return pkg.LocationFix{Latitude: lat, Longitude: lon, Accuracy: p.currentAccuracy(), Timestamp: ts}, true
}

// parseCoordinate converts NMEA DDMM.MMMM plus hemisphere to decimal degrees.
func parseCoordinate(coordStr, dirStr string) (float64, bool) {
	if coordStr == "" || dirStr == "" {
		return 0, false
	}
	coord, err := strconv.ParseFloat(coordStr, 64)
	if err != nil {
		return 0, false
	}

	degrees := math.Floor(coord / 100)
	decimal := degrees + (coord-degrees*100)/60

	switch dirStr {
	case "S", "W":
		decimal = -decimal
	case "N", "E":
	default:
		return 0, false
	}
	return decimal, true
}

// parseNMEATime parses HHMMSS[.ss] and an optional DDMMYY date. Without a
// date the UTC day of now is used.
func parseNMEATime(timeStr, dateStr string, now time.Time) (time.Time, bool) {
	if len(timeStr) < 6 {
		return time.Time{}, false
	}
	hour, err1 := strconv.Atoi(timeStr[0:2])
	minute, err2 := strconv.Atoi(timeStr[2:4])
	secs, err3 := strconv.ParseFloat(timeStr[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}

	now = now.UTC()
	year, month, day := now.Date()
	if len(dateStr) == 6 {
		d, e1 := strconv.Atoi(dateStr[0:2])
		m, e2 := strconv.Atoi(dateStr[2:4])
		y, e3 := strconv.Atoi(dateStr[4:6])
		if e1 == nil && e2 == nil && e3 == nil {
			year, month, day = 2000+y, time.Month(m), d
		}
	}

	whole := int(secs)
	nanos := int((secs - float64(whole)) * 1e9)
	return time.Date(year, month, day, hour, minute, whole, nanos, time.UTC), true
}

// validChecksum checks the XOR checksum after '*'. Sentences without one are
// accepted.
func validChecksum(line string) bool {
	if !strings.HasPrefix(line, "$") {
		return false
	}
	star := strings.IndexByte(line, '*')
	if star < 0 {
		return true
	}
	if len(line) < star+3 {
		return false
	}
	want, err := strconv.ParseUint(line[star+1:star+3], 16, 8)
	if err != nil {
		return false
	}
	var sum byte
	for i := 1; i < star; i++ {
		sum ^= line[i]
	}
	return sum == byte(want)
}
