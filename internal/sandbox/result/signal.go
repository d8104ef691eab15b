package result

var signalDescriptions = map[string]string{
	"SIGSEGV": "segmentation fault",
	"SIGFPE":  "floating point exception",
	"SIGILL":  "illegal instruction",
	"SIGABRT": "aborted",
	"SIGBUS":  "bus error",
	"SIGKILL": "killed",
	"SIGXCPU": "cpu time limit exceeded",
	"SIGXFSZ": "file size limit exceeded",
	"SIGSYS":  "bad system call",
	"SIGPIPE": "broken pipe",
	"SIGTERM": "terminated",
}

// DescribeSignal returns a human readable description for a signal name.
func DescribeSignal(name string) string {
	if name == "" {
		return ""
	}
	if desc, ok := signalDescriptions[name]; ok {
		return desc
	}
	return "terminated by " + name
}
