package normalize

// wildcardMotion is the sentinel used as the second half of a makinoKey
// when a (Moden, *) fallback entry is looked up.
const wildcardMotion = -1

type makinoKey struct {
	Moden  int
	Motion int
}

// makinoTable is the composite (Moden, Motion) -> status text lookup.
// Entries keyed with wildcardMotion are the (Moden, *) fallback rows.
var makinoTable = map[makinoKey]string{
	{10, 1}:              "Running",
	{10, 0}:              "Ready",
	{0, wildcardMotion}:  "MDI",
	{1, wildcardMotion}:  "Memory",
	{2, wildcardMotion}:  "****",
	{3, wildcardMotion}:  "Edit",
	{4, wildcardMotion}:  "Handle",
	{5, wildcardMotion}:  "JOG",
	{6, wildcardMotion}:  "Teach in JOG",
	{7, wildcardMotion}:  "Teach in Handle",
	{8, wildcardMotion}:  "INC-feed",
	{9, wildcardMotion}:  "Reference",
	{11, wildcardMotion}: "TEST",
}

// fanucTable serves Fanuc/Yasda and Mitsubishi/Wele (integer-indexed on
// Status) and also the generic default family.
var fanucTable = map[int]string{
	0: "Disconnected",
	1: "Connected but not sending data",
	2: "Running",
	3: "Manual mode",
	4: "Interrupted",
	5: "Waiting",
}

// quaserTable serves Mitsubishi/Quaser (integer-indexed on State_Number).
// Heidenhain shares the lookup key (State_Number) but not these codes —
// it resolves against fanucTable instead (see resolveStatus).
var quaserTable = map[int]string{
	0: "NC Reset",
	1: "Emergency",
	2: "Ready",
	3: "Running",
	4: "With Synchronization",
	5: "Waiting",
	6: "Stop",
	7: "Hold",
}
