package wallclock

// dstActive implements the Central European DST rule of spec.md §6,
// carried over verbatim from RTC_DST() in original_source/RTC_RealTimeClock.c.
// month is 1-12, day is 1-31, hour is 0-23, dow is 0(Sunday)-6(Saturday).
func dstActive(month, day, hour, dow int) bool {
	return (month > 3 && month < 10) ||
		(month == 10 && day < 25) ||
		(month == 3 && day >= 25 && day+(7-dow) > 31) ||
		(month == 10 && day >= 25 && day+(7-dow) <= 31) ||
		(month == 3 && day >= 25 && dow == 0 && hour >= 2) ||
		(month == 10 && day >= 25 && dow == 0 && hour < 2)
}

// localOffsetSeconds returns the CET/CEST UTC offset, in seconds, that
// dstActive gives for the given broken-down fields. poll passes the local
// fields read from the RTC; localOffsetFromUTC passes UTC fields.
func localOffsetSeconds(month, day, hour, dow int) int {
	const hourSecs = 3600
	if dstActive(month, day, hour, dow) {
		return 2 * hourSecs
	}
	return 1 * hourSecs
}
