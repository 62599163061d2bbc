package idgen

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"time"
)

const DefaultReferencePrefix = "WLT"

const suffixAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const suffixLength = 8

var channelTags = map[string]string{
	"card":          "CARD",
	"bank":          "BANK",
	"bank-transfer": "BKTRF",
	"mobile-money":  "MOBILE",
	"in-app":        "INAPP",
	"referral":      "REF",
	"bills":         "BILL",
	"bet":           "BET",
	"reverse":       "REV",
	"internal":      "INT",
}

var providerTags = map[string]string{
	"paystack": "PSTK",
	"vtpass":   "VTP",
	"system":   "SYS",
}

// ReferenceGenerator builds transaction references of the form
//
//	PREFIX|TAG|ttttSSSSSSSS   (delimited)
//	PREFIX-TAG-ttttSSSSSSSS   (hyphenated)
//
// where TAG comes from the channel (or provider), tttt are the last four
// digits of the unix time and S is a random suffix.
type ReferenceGenerator struct {
	prefix string
	now    func() time.Time
	random io.Reader
}

func NewReferenceGenerator(prefix string) *ReferenceGenerator {
	if prefix == "" {
		prefix = DefaultReferencePrefix
	}
	return &ReferenceGenerator{
		prefix: prefix,
		now:    time.Now,
		random: rand.Reader,
	}
}

func (g *ReferenceGenerator) Generate(channel, provider string, delimited bool) string {
	unix := strconv.FormatInt(g.now().Unix(), 10)
	if len(unix) > 4 {
		unix = unix[len(unix)-4:]
	}

	format := "%s-%s-%s%s"
	if delimited {
		format = "%s|%s|%s%s"
	}
	return fmt.Sprintf(format, g.prefix, Tag(channel, provider), unix, g.suffix())
}

func (g *ReferenceGenerator) suffix() string {
	buf := make([]byte, suffixLength)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		// clock fallback; the unique index on transaction_reference catches clashes
		n := g.now().UnixNano()
		for i := range buf {
			buf[i] = byte(n >> (i * 8))
		}
	}
	out := make([]byte, suffixLength)
	for i, b := range buf {
		out[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return string(out)
}

// Tag resolves the channel tag, then the provider tag, defaulting to TRNX.
func Tag(channel, provider string) string {
	if tag, ok := channelTags[channel]; ok {
		return tag
	}
	if tag, ok := providerTags[provider]; ok {
		return tag
	}
	return "TRNX"
}

var defaultReferences = NewReferenceGenerator(DefaultReferencePrefix)

// GenerateReference uses the package level generator with the default prefix.
func GenerateReference(channel, provider string, delimited bool) string {
	return defaultReferences.Generate(channel, provider, delimited)
}
