// Package eid converts between a bundle endpoint identifier's numeric
// (node, service) pair and its wire string form, ipn:<node>.<service>.
package eid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dtnwg/bplib"
)

const scheme = "ipn"

// Parse decodes an "ipn:<node>.<service>" string into its node and service
// numbers. The only failure mode is bplib.StatusParmErr on malformed input.
func Parse(s string) (node, service uint64, status bplib.Status) {
	rest, ok := strings.CutPrefix(s, scheme+":")
	if !ok {
		return 0, 0, bplib.StatusParmErr
	}
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, 0, bplib.StatusParmErr
	}
	nodeStr, serviceStr := rest[:dot], rest[dot+1:]
	if nodeStr == "" || serviceStr == "" {
		return 0, 0, bplib.StatusParmErr
	}
	node, err := strconv.ParseUint(nodeStr, 10, 64)
	if err != nil {
		return 0, 0, bplib.StatusParmErr
	}
	service, err = strconv.ParseUint(serviceStr, 10, 64)
	if err != nil {
		return 0, 0, bplib.StatusParmErr
	}
	return node, service, bplib.StatusSuccess
}

// Format renders node and service as "ipn:<node>.<service>".
func Format(node, service uint64) string {
	return fmt.Sprintf("%s:%d.%d", scheme, node, service)
}

// ParseEID is the bplib.EID-typed counterpart of Parse: it returns the
// node and service numbers as bplib.EID values.
func ParseEID(s string) (node bplib.EID, service bplib.EID, status bplib.Status) {
	n, sv, status := Parse(s)
	return bplib.EID(n), bplib.EID(sv), status
}

// FormatEID is the bplib.EID-typed counterpart of Format.
func FormatEID(node, service bplib.EID) string {
	return Format(uint64(node), uint64(service))
}
