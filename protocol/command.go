// Package protocol implements the XCP command dispatcher and session
// state machine of spec §4.1/§4.5: it decodes an incoming CTO, mutates
// session/calibration/DAQ state as required, and produces a response CTO.
package protocol

// Command is the first byte of every command CTO (spec §6).
type Command uint8

const (
	CmdConnect    Command = 0xFF
	CmdDisconnect Command = 0xFE
	CmdGetStatus  Command = 0xFD
	CmdSynch      Command = 0xFC

	CmdGetCommModeInfo Command = 0xFB
	CmdGetID            Command = 0xFA
	CmdSetRequest        Command = 0xF9

	CmdSetMTA        Command = 0xF6
	CmdUpload        Command = 0xF5
	CmdShortUpload    Command = 0xF4
	CmdBuildChecksum  Command = 0xF3

	CmdUserCmd Command = 0xF1

	CmdDownload      Command = 0xF0
	CmdShortDownload Command = 0xED

	CmdSetCalPage Command = 0xEB
	CmdGetCalPage Command = 0xEA

	CmdGetPagProcessorInfo Command = 0xE9
	CmdGetSegmentInfo      Command = 0xE8
	CmdGetPageInfo         Command = 0xE7
	CmdSetSegmentMode      Command = 0xE6
	CmdGetSegmentMode      Command = 0xE5
	CmdCopyCalPage         Command = 0xE4

	CmdSetDaqPtr        Command = 0xE2
	CmdWriteDaq         Command = 0xE1
	CmdSetDaqListMode   Command = 0xE0
	CmdGetDaqListMode   Command = 0xDF
	CmdStartStopDaqList Command = 0xDE
	CmdStartStopSynch   Command = 0xDD

	CmdGetDaqClock          Command = 0xDC
	CmdGetDaqProcessorInfo  Command = 0xDA
	CmdGetDaqResolutionInfo Command = 0xD9
	CmdGetDaqEventInfo      Command = 0xD7

	CmdFreeDaq      Command = 0xD6
	CmdAllocDaq     Command = 0xD5
	CmdAllocOdt     Command = 0xD4
	CmdAllocOdtEntry Command = 0xD3

	CmdWriteDaqMultiple Command = 0xC7

	CmdTimeCorrelationProperties Command = 0xC6

	CmdLevel1Command Command = 0xC0
)

// Level-1 (CC_LEVEL_1_COMMAND) sub-commands.
const (
	SubGetVersion Command = 0x00
)

// USER_CMD (CC_USER_CMD) sub-commands this build reserves out of the
// application-defined range for batched calibration publication (spec
// §4.5: "User ... also carries begin/end atomic calibration for batched
// publication").
const (
	SubBeginAtomicCal Command = 0x01
	SubEndAtomicCal   Command = 0x02
)

// PID values that may prefix a response CTO (spec §6).
const (
	PidResponse = 0xFF
	PidError    = 0xFE
	PidEvent    = 0xFD
	PidService  = 0xFC
)
