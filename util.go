package rifrelay

import (
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

func GetIPXForwardedFor(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		if strings.Contains(forwarded, ",") { // return first entry of list of IPs
			return strings.Split(forwarded, ",")[0]
		}
		return forwarded
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// AToI converts a string to an int64
func AToI(value string) int64 {
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return i
}

// weiToRBTC renders a wei amount as a decimal RBTC string for logging.
func weiToRBTC(wei *big.Int) string {
	f := new(big.Float)
	f.SetPrec(236) //  IEEE 754 octuple-precision binary floating-point format: binary256
	f.SetMode(big.ToNearestEven)
	fWei := new(big.Float)
	fWei.SetPrec(236) //  IEEE 754 octuple-precision binary floating-point format: binary256
	fWei.SetMode(big.ToNearestEven)
	return fmt.Sprintf("%.18f", f.Quo(fWei.SetInt(wei), big.NewFloat(params.Ether)))
}

func GetHost(url string) string {
	if strings.Contains(url, ":") {
		parts := strings.SplitN(url, ":", 2) // Use SplitN to ensure only the first colon splits the string
		return parts[0]
	}
	return url
}

func minUint(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
