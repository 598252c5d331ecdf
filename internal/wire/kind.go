package wire

import "fmt"

// Kind tags a frame with its message type. Values are part of the protocol and
// must never be renumbered.
type Kind uint32

const (
	KindUnknown Kind = iota
	KindHello
	KindOK
	KindFatal
	KindStop
	KindPing
	KindGetPacket
	KindPacket
	KindLogFile
	KindLogDone
	KindGetStats
	KindParallel
	KindGetParallel
	KindGroupView
	KindCheckFile
	KindSendFile
	KindServerStarted
	KindDataSetStatus
	KindMessage
	KindProgress
	KindStopProcess
	KindGetObject
	KindLogLevel
	KindWorkerLists
	KindCache
	KindProcess
	KindRaw
)

var kindNames = map[Kind]string{
	KindUnknown:       "Unknown",
	KindHello:         "Hello",
	KindOK:            "OK",
	KindFatal:         "Fatal",
	KindStop:          "Stop",
	KindPing:          "Ping",
	KindGetPacket:     "GetPacket",
	KindPacket:        "Packet",
	KindLogFile:       "LogFile",
	KindLogDone:       "LogDone",
	KindGetStats:      "GetStats",
	KindParallel:      "Parallel",
	KindGetParallel:   "GetParallel",
	KindGroupView:     "GroupView",
	KindCheckFile:     "CheckFile",
	KindSendFile:      "SendFile",
	KindServerStarted: "ServerStarted",
	KindDataSetStatus: "DataSetStatus",
	KindMessage:       "Message",
	KindProgress:      "Progress",
	KindStopProcess:   "StopProcess",
	KindGetObject:     "GetObject",
	KindLogLevel:      "LogLevel",
	KindWorkerLists:   "WorkerLists",
	KindCache:         "Cache",
	KindProcess:       "Process",
	KindRaw:           "Raw",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// CacheOp selects the action carried by a KindCache message.
type CacheOp int32

const (
	CacheClear CacheOp = iota
	CacheBuildPackage
	CacheBuildSubPackage
	CacheEnablePackage
)
