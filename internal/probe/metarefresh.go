package probe

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// metaRefreshTarget scans the document head for <meta http-equiv="refresh" content="N; url=...">
// and returns the url part, or "" if there is none.
func metaRefreshTarget(r io.Reader) string {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "body":
				return ""
			case "meta":
				var equiv, content string
				for _, a := range tok.Attr {
					switch strings.ToLower(a.Key) {
					case "http-equiv":
						equiv = a.Val
					case "content":
						content = a.Val
					}
				}
				if strings.EqualFold(strings.TrimSpace(equiv), "refresh") {
					if target := refreshURL(content); target != "" {
						return target
					}
				}
			}
		case html.EndTagToken:
			if tok := z.Token(); tok.Data == "head" {
				return ""
			}
		}
	}
}

// refreshURL extracts the url from a refresh content value such as "0; URL='/next'".
func refreshURL(content string) string {
	_, rest, ok := strings.Cut(content, ";")
	if !ok {
		return ""
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 4 || !strings.EqualFold(rest[:3], "url") {
		return ""
	}
	rest = strings.TrimSpace(rest[3:])
	rest, ok = strings.CutPrefix(rest, "=")
	if !ok {
		return ""
	}
	return strings.Trim(strings.TrimSpace(rest), `'"`)
}
