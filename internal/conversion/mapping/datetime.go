package mapping

import (
	"fmt"
	"strings"
	"time"
)

// DateTimeToFHIR converts an HL7v2 TS/DTM value to a FHIR dateTime,
// preserving the source precision. Hour-only values are widened to minutes
// and seconds because FHIR has no hour precision. An offset is only written
// when the source carries one.
func DateTimeToFHIR(ts string) (string, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return "", nil
	}
	digits, frac, zone, err := splitTS(ts)
	if err != nil {
		return "", err
	}
	if err := checkDigits(digits); err != nil {
		return "", fmt.Errorf("mapping: timestamp %q: %w", ts, err)
	}

	var b strings.Builder
	b.WriteString(digits[:4])
	if len(digits) >= 6 {
		b.WriteString("-" + digits[4:6])
	}
	if len(digits) >= 8 {
		b.WriteString("-" + digits[6:8])
	}
	if len(digits) <= 8 {
		return b.String(), nil
	}
	hh, mm, ss := digits[8:10], "00", "00"
	if len(digits) >= 12 {
		mm = digits[10:12]
	}
	if len(digits) >= 14 {
		ss = digits[12:14]
	}
	b.WriteString("T" + hh + ":" + mm + ":" + ss)
	if frac != "" {
		b.WriteString("." + frac)
	}
	if zone != "" {
		b.WriteString(zone[:3] + ":" + zone[3:])
	}
	return b.String(), nil
}

// DateToFHIR converts an HL7v2 DT or TS value to a FHIR date, dropping any
// time part.
func DateToFHIR(ts string) (string, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return "", nil
	}
	digits, _, _, err := splitTS(ts)
	if err != nil {
		return "", err
	}
	if len(digits) > 8 {
		digits = digits[:8]
	}
	return DateTimeToFHIR(digits)
}

// splitTS separates the digits, fractional seconds and offset of a TS.
func splitTS(ts string) (digits, frac, zone string, err error) {
	body := ts
	if i := strings.IndexAny(ts, "+-"); i >= 0 {
		body, zone = ts[:i], ts[i:]
		if len(zone) != 5 || !allDigits(zone[1:]) {
			return "", "", "", fmt.Errorf("mapping: timestamp %q: invalid offset", ts)
		}
	}
	if i := strings.IndexByte(body, '.'); i >= 0 {
		body, frac = body[:i], body[i+1:]
		if frac == "" || !allDigits(frac) {
			return "", "", "", fmt.Errorf("mapping: timestamp %q: invalid fraction", ts)
		}
		if len(body) != 14 {
			return "", "", "", fmt.Errorf("mapping: timestamp %q: fraction without seconds", ts)
		}
	}
	switch len(body) {
	case 4, 6, 8, 10, 12, 14:
	default:
		return "", "", "", fmt.Errorf("mapping: timestamp %q: unsupported length", ts)
	}
	if !allDigits(body) {
		return "", "", "", fmt.Errorf("mapping: timestamp %q: not numeric", ts)
	}
	return body, frac, zone, nil
}

func checkDigits(d string) error {
	atoi := func(s string) int {
		n := 0
		for _, c := range s {
			n = n*10 + int(c-'0')
		}
		return n
	}
	if len(d) >= 6 {
		if m := atoi(d[4:6]); m < 1 || m > 12 {
			return fmt.Errorf("month %02d out of range", m)
		}
	}
	if len(d) >= 8 {
		year, month := atoi(d[:4]), time.Month(atoi(d[4:6]))
		last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
		if day := atoi(d[6:8]); day < 1 || day > last {
			return fmt.Errorf("day %02d out of range", day)
		}
	}
	if len(d) >= 10 && atoi(d[8:10]) > 23 {
		return fmt.Errorf("hour out of range")
	}
	if len(d) >= 12 && atoi(d[10:12]) > 59 {
		return fmt.Errorf("minute out of range")
	}
	if len(d) >= 14 && atoi(d[12:14]) > 59 {
		return fmt.Errorf("second out of range")
	}
	return nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// DateTimeToHL7 converts a FHIR date, dateTime or instant to an HL7v2 TS at
// the same precision. "Z" becomes +0000.
func DateTimeToHL7(dt string) (string, error) {
	dt = strings.TrimSpace(dt)
	if dt == "" {
		return "", nil
	}
	date, clock, hasTime := strings.Cut(dt, "T")
	parts := strings.Split(date, "-")
	if len(parts) > 3 || len(parts[0]) != 4 {
		return "", fmt.Errorf("mapping: dateTime %q: invalid date", dt)
	}
	var b strings.Builder
	for i, p := range parts {
		if (i > 0 && len(p) != 2) || !allDigits(p) {
			return "", fmt.Errorf("mapping: dateTime %q: invalid date", dt)
		}
		b.WriteString(p)
	}
	if !hasTime {
		out := b.String()
		return out, checkDigits(out)
	}
	if len(parts) != 3 {
		return "", fmt.Errorf("mapping: dateTime %q: time without full date", dt)
	}

	zone := ""
	switch {
	case strings.HasSuffix(clock, "Z"):
		clock, zone = strings.TrimSuffix(clock, "Z"), "+0000"
	case strings.LastIndexAny(clock, "+-") > 0:
		i := strings.LastIndexAny(clock, "+-")
		z := clock[i:]
		clock = clock[:i]
		if len(z) != 6 || z[3] != ':' || !allDigits(z[1:3]+z[4:]) {
			return "", fmt.Errorf("mapping: dateTime %q: invalid offset", dt)
		}
		zone = z[:3] + z[4:]
	}

	frac := ""
	if i := strings.IndexByte(clock, '.'); i >= 0 {
		clock, frac = clock[:i], clock[i+1:]
		if !allDigits(frac) {
			return "", fmt.Errorf("mapping: dateTime %q: invalid fraction", dt)
		}
	}
	hms := strings.Split(clock, ":")
	if len(hms) < 2 || len(hms) > 3 {
		return "", fmt.Errorf("mapping: dateTime %q: invalid time", dt)
	}
	for _, p := range hms {
		if len(p) != 2 || !allDigits(p) {
			return "", fmt.Errorf("mapping: dateTime %q: invalid time", dt)
		}
		b.WriteString(p)
	}
	out := b.String()
	if err := checkDigits(out); err != nil {
		return "", fmt.Errorf("mapping: dateTime %q: %w", dt, err)
	}
	if frac != "" && len(hms) == 3 {
		out += "." + frac
	}
	return out + zone, nil
}

// DateToHL7 converts a FHIR date or dateTime to an HL7v2 DT.
func DateToHL7(dt string) (string, error) {
	out, err := DateTimeToHL7(dt)
	if err != nil || len(out) <= 8 {
		return out, err
	}
	return out[:8], nil
}

// FormatTS renders t as an HL7v2 TS with second precision and offset.
func FormatTS(t time.Time) string {
	return t.Format("20060102150405-0700")
}

// FormatInstant renders t as a FHIR instant.
func FormatInstant(t time.Time) string {
	return t.Format(time.RFC3339)
}
