package remote

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// envelope is the fixed reply schema: <root><item>...</item></root>.
type envelope struct {
	XMLName xml.Name `xml:"root"`
	Item    *item    `xml:"item"`
}

type item struct {
	SecKey  string `xml:"sec_key"`
	AuthKey string `xml:"auth_key"`
	QRCode  string `xml:"qr_code"`
}

var errNoItem = errors.New("response has no item element")

func parseItem(body []byte) (item, error) {
	var env envelope
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charsetReader
	if err := dec.Decode(&env); err != nil {
		return item{}, fmt.Errorf("decode xml: %w", err)
	}
	if env.Item == nil {
		return item{}, errNoItem
	}
	return item{
		SecKey:  strings.TrimSpace(env.Item.SecKey),
		AuthKey: strings.TrimSpace(env.Item.AuthKey),
		QRCode:  strings.TrimSpace(env.Item.QRCode),
	}, nil
}

// charsetReader lets documents declared as EUC-KR and similar decode.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}
