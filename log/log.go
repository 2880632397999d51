package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kjk/archiveproxy/siser"

	"github.com/toon-format/toon-go"
)

var (
	logFile    *WriteDaily
	errorsLog  *WriteDaily
	eventsLog  *WriteDaily
	muDailyLog sync.Mutex

	// Out is where messages are printed. Defaults to stdout
	Out io.Writer = os.Stdout

	// if true, Verbosef() will log messages
	Verbose bool
)

// WriteDaily appends to <Dir>/YYYY-MM-DD.txt, starting a new file each day (UTC)
type WriteDaily struct {
	Dir         string
	currentDate int // YYYYMMDD format
	file        *os.File
	mu          sync.Mutex
}

func NewWriteDaily(dir string) *WriteDaily {
	return &WriteDaily{
		Dir: dir,
	}
}

// dayFromTime converts a time.Time to YYYYMMDD integer format
func dayFromTime(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// PathForTime returns path of the log file for a given time
func (w *WriteDaily) PathForTime(t time.Time) string {
	name := t.UTC().Format("2006-01-02") + ".txt"
	return filepath.Join(w.Dir, name)
}

func (w *WriteDaily) writer(now time.Time) (io.Writer, error) {
	today := dayFromTime(now)
	if w.file != nil && w.currentDate != today {
		if err := w.close(); err != nil {
			return nil, err
		}
	}
	if w.file != nil {
		return w.file, nil
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(w.PathForTime(now), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w.file = f
	w.currentDate = today
	return w.file, nil
}

// Write writes data to the daily log file
// it's safe to call on nil receiver
func (w *WriteDaily) Write(d []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	wr, err := w.writer(time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = wr.Write(d)
	return err
}

// WriteString writes a string to the daily log file
// it's safe to call on nil receiver
func (w *WriteDaily) WriteString(s string) error {
	return w.Write([]byte(s))
}

func (w *WriteDaily) close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.currentDate = 0
	return err
}

// Close closes the daily log file
// it's safe to call on nil receiver
func (w *WriteDaily) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		_ = w.file.Sync()
	}
	return w.close()
}

type Config struct {
	// directory where log files are stored
	// each log type (regular, error, event) has its own subdirectory
	// if empty, we only log to Out
	Dir     string
	Verbose bool
}

// Init initializes the logging system
func Init(config *Config) {
	Close()
	Verbose = config.Verbose
	dir := config.Dir
	if dir == "" {
		return
	}
	muDailyLog.Lock()
	defer muDailyLog.Unlock()
	logFile = NewWriteDaily(filepath.Join(dir, "log"))
	errorsLog = NewWriteDaily(filepath.Join(dir, "errors"))
	// files are only created on first write so if there are
	// no events, there are no event files
	eventsLog = NewWriteDaily(filepath.Join(dir, "events"))
}

func Close() {
	muDailyLog.Lock()
	defer muDailyLog.Unlock()
	for _, wd := range []**WriteDaily{&logFile, &errorsLog, &eventsLog} {
		(*wd).Close()
		*wd = nil
	}
}

func daily(wd **WriteDaily) *WriteDaily {
	muDailyLog.Lock()
	defer muDailyLog.Unlock()
	return *wd
}

func Logf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	fmt.Fprint(Out, s)
	daily(&logFile).WriteString(s)
}

func Verbosef(format string, args ...any) {
	if !Verbose {
		return
	}
	Logf(format, args...)
}

// Warnf logs a problem we recovered from
func Warnf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	Logf("warn: %s", s)
}

func GetCallstackFrames(skip int) []string {
	var callers [32]uintptr
	n := runtime.Callers(skip+1, callers[:])
	frames := runtime.CallersFrames(callers[:n])
	var cs []string
	for {
		frame, more := frames.Next()
		if !more {
			break
		}
		s := frame.File + ":" + strconv.Itoa(frame.Line)
		cs = append(cs, s)
	}
	return cs
}

func GetCallstack(skip int) string {
	frames := GetCallstackFrames(skip + 1)
	return strings.Join(frames, "\n")
}

// Errorf logs an error message along with the callstack
func Errorf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	cs := GetCallstack(2)
	s = fmt.Sprintf("%s\n%s\n", s, cs)
	Logf("%s", s)
	daily(&errorsLog).WriteString(s)
}

// if err != nil, log and return true
// IfErrf(err) => logs err.Error()
// IfErrf(err, "error is: %v", err) => logs message formatted
func IfErrf(err error, a ...any) bool {
	if err == nil {
		return false
	}
	if len(a) == 0 {
		Errorf("%s", err.Error())
		return true
	}
	s, ok := a[0].(string)
	if !ok {
		// shouldn't happen but just in case
		s = fmt.Sprintf("%s", a[0])
	}
	if len(a) > 1 {
		s = fmt.Sprintf(s, a[1:]...)
	}
	Errorf("%s", s)
	return true
}

// simpleTypeToStr converts simple types to string
// panics if v is of complex type
func simpleTypeToStr(v any) string {
	rt := reflect.TypeOf(v)
	kind := rt.Kind()
	switch kind {
	case reflect.Array, reflect.Slice, reflect.Struct, reflect.Map, reflect.Chan, reflect.Interface, reflect.Pointer:
		panic(fmt.Sprintf("toStr: value is of kind %v", kind))
	case reflect.String:
		return v.(string)
	}
	return fmt.Sprintf("%v", v)
}

// MarshalEvent encodes key/value pairs as a siser block in toon format
func MarshalEvent(name string, t time.Time, vals ...any) []byte {
	n := len(vals)
	if n%2 != 0 {
		panic(fmt.Sprintf("odd number of values (%d) for event '%s'", n, name))
	}
	var d []byte
	if n > 0 {
		m := map[string]any{}
		for i := 0; i < n; i += 2 {
			k := simpleTypeToStr(vals[i])
			m[k] = vals[i+1]
		}
		d, _ = toon.Marshal(m)
	}
	return siser.MarshalLine(name, t.UTC(), d, nil)
}

// Event logs event in toon format to events log
// no-op if logging to files was not enabled
func Event(name string, vals ...any) {
	w := daily(&eventsLog)
	if w == nil {
		return
	}
	d := MarshalEvent(name, time.Now(), vals...)
	if err := w.Write(d); err != nil {
		Warnf("log.Event: failed to write '%s': %v\n", name, err)
	}
}

func EventWithDuration(name string, dur time.Duration, vals ...any) {
	vals = append(vals, "durmicro", dur.Microseconds())
	Event(name, vals...)
}
