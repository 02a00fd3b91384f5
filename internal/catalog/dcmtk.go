package catalog

import (
	"regexp"
	"strings"
	"time"
)

// DCMTK log lines carry a severity prefix ("I: ", "W: ", "E: ", "D: ").
// Patterns deliberately avoid anchoring on it so they match with or without.
// The tool's text output is not a versioned contract; keeping these narrow
// and updating them against new toolkit releases is an operational task.

var (
	storeSCPSet = buildStoreSCP()
	storeSCUSet = buildStoreSCU()
	echoSCUSet  = buildEchoSCU()
	findSCUSet  = buildFindSCU()
	moveSCUSet  = buildMoveSCU()
)

// ForTool returns the build-once pattern set for a tool.
// The returned set is shared and must not be mutated.
// Returns nil for an invalid tool.
func ForTool(t Tool) *Set {
	switch t {
	case StoreSCP:
		return storeSCPSet
	case StoreSCU:
		return storeSCUSet
	case EchoSCU:
		return echoSCUSet
	case FindSCU:
		return findSCUSet
	case MoveSCU:
		return moveSCUSet
	default:
		return nil
	}
}

func buildStoreSCP() *Set {
	return &Set{
		Tool:  StoreSCP,
		Ready: "LISTENING",
		Patterns: []*Pattern{
			mustPattern("LISTENING", `Receiver (\S+) on port (\d+)`, procListening),
			mustPattern("ASSOC_RECEIVED", `Association Received`, nil),
			mustBlock("ASSOC_REQUEST",
				`(?s)BEGIN A-ASSOCIATE-RQ.*?Calling Application Name:[ \t]*(\S+).*?Called Application Name:[ \t]*(\S+).*?END A-ASSOCIATE-RQ`,
				procAssociation,
				`={5,} BEGIN A-ASSOCIATE-RQ ={5,}`,
				`={5,} END A-ASSOCIATE-RQ ={5,}`,
				96, 2*time.Second),
			mustPattern("ASSOC_ACKNOWLEDGED", `Association Acknowledged \(Max Send PDV: (\d+)\)`, procMaxSendPDV),
			mustPattern("STORING", `storing DICOM file:[ \t]*(.+)`, procPath),
			mustPattern("STORE_FAILED", `cannot write DICOM file:?[ \t]*(.+)`, procPath),
			mustPattern("ASSOC_REFUSED", `Refusing Association:?[ \t]*(.*)`, procReason),
			mustPattern("ASSOC_RELEASED", `Association Release`, nil),
			mustPattern("ASSOC_ABORTED", `Association Aborted`, nil),
			mustPattern("NETWORK_ERROR", `cannot create network:?[ \t]*(.*)`, procReason),
			mustPattern("CANNOT_FORK", `cannot fork:?[ \t]*(.*)`, procReason),
		},
		Fatal: fatalSet("NETWORK_ERROR", "CANNOT_FORK"),
	}
}

func buildStoreSCU() *Set {
	return &Set{
		Tool: StoreSCU,
		Patterns: []*Pattern{
			mustPattern("ASSOC_REQUESTING", `Requesting Association`, nil),
			mustBlock("ASSOC_PARAMETERS",
				`(?s)BEGIN A-ASSOCIATE-AC.*?Calling Application Name:[ \t]*(\S+).*?Called Application Name:[ \t]*(\S+).*?END A-ASSOCIATE-AC`,
				procAssociation,
				`={5,} BEGIN A-ASSOCIATE-AC ={5,}`,
				`={5,} END A-ASSOCIATE-AC ={5,}`,
				96, 2*time.Second),
			mustPattern("ASSOC_ACCEPTED", `Association Accepted \(Max Send PDV: (\d+)\)`, procMaxSendPDV),
			mustPattern("SENDING", `Sending Store Request \(MsgID (\d+), (\w+)\)`, procSending),
			mustPattern("STORE_RESPONSE", `Received Store Response \((\w[\w ]*)\)`, procStatus),
			mustPattern("ASSOC_RELEASED", `Releasing Association`, nil),
			mustPattern("ASSOC_REJECTED", `Association Rejected:?[ \t]*(.*)`, procReason),
			mustPattern("REQUEST_FAILED", `Association Request Failed:?[ \t]*(.*)`, procReason),
			mustPattern("NO_PRESENTATION_CONTEXT", `No presentation context for:?[ \t]*(.*)`, procReason),
		},
		Fatal: fatalSet("ASSOC_REJECTED", "REQUEST_FAILED", "NO_PRESENTATION_CONTEXT"),
	}
}

func buildEchoSCU() *Set {
	return &Set{
		Tool: EchoSCU,
		Patterns: []*Pattern{
			mustPattern("ASSOC_REQUESTING", `Requesting Association`, nil),
			mustPattern("ASSOC_ACCEPTED", `Association Accepted \(Max Send PDV: (\d+)\)`, procMaxSendPDV),
			mustPattern("ECHO_REQUEST", `Sending Echo Request \(MsgID (\d+)\)`, procMessageID),
			mustPattern("ECHO_SUCCEEDED", `Received Echo Response \(Success\)`, nil),
			mustPattern("ASSOC_RELEASED", `Releasing Association`, nil),
			mustPattern("ASSOC_REJECTED", `Association Rejected:?[ \t]*(.*)`, procReason),
			mustPattern("REQUEST_FAILED", `Association Request Failed:?[ \t]*(.*)`, procReason),
		},
		Fatal: fatalSet("ASSOC_REJECTED", "REQUEST_FAILED"),
	}
}

func buildFindSCU() *Set {
	return &Set{
		Tool: FindSCU,
		Patterns: []*Pattern{
			mustPattern("ASSOC_REQUESTING", `Requesting Association`, nil),
			mustPattern("ASSOC_ACCEPTED", `Association Accepted \(Max Send PDV: (\d+)\)`, procMaxSendPDV),
			mustPattern("FIND_RESPONSE", `Find Response: (\d+) \(Pending\)`, procResponseNumber),
			identifiersBlock(),
			mustPattern("FIND_COMPLETE", `Received Final Find Response \(Success\)`, nil),
			mustPattern("ASSOC_RELEASED", `Releasing Association`, nil),
			mustPattern("ASSOC_REJECTED", `Association Rejected:?[ \t]*(.*)`, procReason),
			mustPattern("REQUEST_FAILED", `Association Request Failed:?[ \t]*(.*)`, procReason),
		},
		Fatal: fatalSet("ASSOC_REJECTED", "REQUEST_FAILED"),
	}
}

func buildMoveSCU() *Set {
	return &Set{
		Tool: MoveSCU,
		Patterns: []*Pattern{
			mustPattern("ASSOC_REQUESTING", `Requesting Association`, nil),
			mustPattern("ASSOC_ACCEPTED", `Association Accepted \(Max Send PDV: (\d+)\)`, procMaxSendPDV),
			mustPattern("MOVE_RESPONSE", `Move Response: (\d+) \(Pending\)`, procResponseNumber),
			mustPattern("SUB_OPS", `Sub-Operations Remaining: (\d+), Completed: (\d+), Failed: (\d+), Warning: (\d+)`, procSubOps),
			identifiersBlock(),
			mustPattern("MOVE_COMPLETE", `Received Final Move Response \(Success\)`, nil),
			mustPattern("ASSOC_RELEASED", `Releasing Association`, nil),
			mustPattern("ASSOC_REJECTED", `Association Rejected:?[ \t]*(.*)`, procReason),
			mustPattern("REQUEST_FAILED", `Association Request Failed:?[ \t]*(.*)`, procReason),
			mustPattern("MOVE_FAILED", `Move Request Failed:?[ \t]*(.*)`, procReason),
		},
		Fatal: fatalSet("ASSOC_REJECTED", "REQUEST_FAILED", "MOVE_FAILED"),
	}
}

// identifiersBlock matches a printed Dicom-Data-Set dump. Response
// identifiers start with a "# Dicom-Data-Set" marker line and end at the
// first blank (or bare-prefix) line after the element list.
func identifiersBlock() *Pattern {
	return mustBlock("IDENTIFIERS",
		`(?s)# Dicom-Data-Set.*`,
		procIdentifiers,
		`# Dicom-Data-Set`,
		`^(?:[IWED]:)?\s*$`,
		64, 2*time.Second)
}

// Element extractors for identifier dumps. DCMTK prints tags in lowercase
// hex and pads bracketed values with spaces.
var (
	rePatientName = regexp.MustCompile(`\(0010,0010\) PN \[([^\]]*)\]`)
	rePatientID   = regexp.MustCompile(`\(0010,0020\) LO \[([^\]]*)\]`)
	reStudyUID    = regexp.MustCompile(`\(0020,000d\) UI \[([^\]]*)\]`)
)

func procListening(m []string) map[string]interface{} {
	return map[string]interface{}{
		"receiverId": m[1],
		"port":       toInt(m[2]),
	}
}

func procAssociation(m []string) map[string]interface{} {
	return map[string]interface{}{
		"callingAET": m[1],
		"calledAET":  m[2],
		"raw":        m[0],
	}
}

func procMaxSendPDV(m []string) map[string]interface{} {
	return map[string]interface{}{"maxSendPDV": toInt(m[1])}
}

func procMessageID(m []string) map[string]interface{} {
	return map[string]interface{}{"messageId": toInt(m[1])}
}

func procResponseNumber(m []string) map[string]interface{} {
	return map[string]interface{}{"responseNumber": toInt(m[1])}
}

func procSending(m []string) map[string]interface{} {
	return map[string]interface{}{
		"messageId": toInt(m[1]),
		"sopClass":  m[2],
	}
}

func procStatus(m []string) map[string]interface{} {
	return map[string]interface{}{"status": strings.TrimSpace(m[1])}
}

func procPath(m []string) map[string]interface{} {
	return map[string]interface{}{"path": strings.TrimSpace(m[1])}
}

func procReason(m []string) map[string]interface{} {
	return map[string]interface{}{"reason": strings.TrimSpace(m[1])}
}

func procSubOps(m []string) map[string]interface{} {
	return map[string]interface{}{
		"remaining": toInt(m[1]),
		"completed": toInt(m[2]),
		"failed":    toInt(m[3]),
		"warning":   toInt(m[4]),
	}
}

func procIdentifiers(m []string) map[string]interface{} {
	data := map[string]interface{}{"raw": m[0]}
	if sub := rePatientName.FindStringSubmatch(m[0]); sub != nil {
		data["patientName"] = strings.TrimSpace(sub[1])
	}
	if sub := rePatientID.FindStringSubmatch(m[0]); sub != nil {
		data["patientId"] = strings.TrimSpace(sub[1])
	}
	if sub := reStudyUID.FindStringSubmatch(m[0]); sub != nil {
		data["studyUID"] = strings.TrimSpace(sub[1])
	}
	return data
}
