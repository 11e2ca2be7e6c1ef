package extract

import (
	"bytes"
	"context"
	"errors"
	"io"

	"golang.org/x/net/html"

	"github.com/skolhustick/mdwnio/internal/mdwn"
)

// Structural limits applied before a document is parsed into a tree.
const (
	DefaultMaxDepth    = 512
	DefaultMaxElements = 50_000
)

// ctxCheckEvery is how many tokens are scanned between context checks.
const ctxCheckEvery = 4096

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// impliedEnd holds elements whose end tag may be omitted. The parser closes
// them implicitly, so they do not add to the depth count.
var impliedEnd = map[string]bool{
	"html": true, "head": true, "body": true, "p": true, "li": true,
	"dt": true, "dd": true, "option": true, "optgroup": true, "tr": true,
	"td": true, "th": true, "thead": true, "tbody": true, "tfoot": true,
	"colgroup": true, "caption": true, "rb": true, "rt": true, "rp": true,
	"rtc": true,
}

// checkShape streams body through the tokenizer once and rejects documents
// nested deeper than maxDepth or holding more than maxElements elements.
func checkShape(ctx context.Context, body []byte, maxDepth, maxElements int) error {
	z := html.NewTokenizer(bytes.NewReader(body))
	depth, elements := 0, 0
	for n := 1; ; n++ {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return interrupted(err)
			}
		}
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return mdwn.Wrap(mdwn.KindExtractionFailed, err, "cannot tokenize HTML")
			}
			return nil
		case html.SelfClosingTagToken:
			elements++
		case html.StartTagToken:
			elements++
			if name, _ := z.TagName(); nests(name) {
				depth++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); nests(name) && depth > 0 {
				depth--
			}
		default:
			continue
		}
		if elements > maxElements {
			return mdwn.Errorf(mdwn.KindExtractionFailed, "document has more than %d elements", maxElements)
		}
		if depth > maxDepth {
			return mdwn.Errorf(mdwn.KindExtractionFailed, "document nests elements deeper than %d levels", maxDepth)
		}
	}
}

func nests(name []byte) bool {
	return !voidElements[string(name)] && !impliedEnd[string(name)]
}

func interrupted(err error) error {
	return mdwn.Wrap(mdwn.KindTimeout, err, "extraction interrupted")
}
