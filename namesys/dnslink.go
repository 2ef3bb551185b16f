package namesys

import (
	"context"
	"fmt"
	"net"
	"strings"
)

const dnslinkPrefix = "dnslink="

// lookupTXT is swapped out by tests.
var lookupTXT = func(ctx context.Context, name string) ([]string, error) {
	return net.DefaultResolver.LookupTXT(ctx, name)
}

// resolveDNSLink maps a dotted name to a content path via its
// _dnslink TXT record, falling back to the bare domain.
func resolveDNSLink(ctx context.Context, domain string) (string, error) {
	for _, host := range []string{"_dnslink." + domain, domain} {
		txts, err := lookupTXT(ctx, host)
		if err != nil {
			continue
		}
		for _, txt := range txts {
			if strings.HasPrefix(txt, dnslinkPrefix) {
				value := strings.TrimPrefix(txt, dnslinkPrefix)
				if strings.HasPrefix(value, "/ipfs/") || strings.HasPrefix(value, "/ipns/") {
					return value, nil
				}
			}
		}
	}
	return "", fmt.Errorf("%w: no dnslink entry for %s", ErrResolveFailed, domain)
}
