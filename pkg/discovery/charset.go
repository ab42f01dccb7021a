package discovery

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText converts a fully buffered body to a UTF-8 string. An empty or
// UTF-8 charset only strips a byte order mark. An unknown charset returns the
// bytes as-is along with an error the caller may log.
func decodeText(data []byte, charset string) (string, error) {
	charset = strings.ToLower(strings.TrimSpace(charset))

	var decoder transform.Transformer
	switch charset {
	case "", "utf-8", "utf8":
		return string(bytes.TrimPrefix(data, utf8BOM)), nil
	case "utf-16":
		decoder = unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
	case "utf-16le":
		decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	case "utf-16be":
		decoder = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	case "iso-8859-1", "latin1", "iso_8859-1":
		decoder = charmap.ISO8859_1.NewDecoder()
	case "iso-8859-2", "latin2":
		decoder = charmap.ISO8859_2.NewDecoder()
	case "iso-8859-15", "latin9":
		decoder = charmap.ISO8859_15.NewDecoder()
	case "windows-1252", "cp1252":
		decoder = charmap.Windows1252.NewDecoder()
	case "windows-1251", "cp1251":
		decoder = charmap.Windows1251.NewDecoder()
	case "koi8-r":
		decoder = charmap.KOI8R.NewDecoder()
	case "gb2312", "gbk", "gb18030":
		decoder = simplifiedchinese.GBK.NewDecoder()
	case "big5":
		decoder = traditionalchinese.Big5.NewDecoder()
	case "euc-jp":
		decoder = japanese.EUCJP.NewDecoder()
	case "shift_jis", "shift-jis", "sjis":
		decoder = japanese.ShiftJIS.NewDecoder()
	case "euc-kr":
		decoder = korean.EUCKR.NewDecoder()
	default:
		return string(bytes.TrimPrefix(data, utf8BOM)), fmt.Errorf("unknown charset: %s", charset)
	}

	result, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), decoder))
	if err != nil {
		return string(data), fmt.Errorf("charset decoding failed: %w", err)
	}
	return string(bytes.TrimPrefix(result, utf8BOM)), nil
}
