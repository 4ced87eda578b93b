package managesieve

import (
	"strconv"
	"strings"
)

// CodeKind classifies a response code. Codes the client does not know are
// CodeOther and keep their name in ResponseCode.Name.
type CodeKind int

const (
	CodeOther CodeKind = iota
	CodeAuthTooWeak
	CodeEncryptNeeded
	CodeQuota
	CodeQuotaMaxScripts
	CodeQuotaMaxSize
	CodeReferral
	CodeSASL
	CodeTransitionNeeded
	CodeTryLater
	CodeActive
	CodeNonexistent
	CodeAlreadyExists
	CodeTag
	CodeWarnings
)

var codeKinds = map[string]CodeKind{
	"AUTH-TOO-WEAK":     CodeAuthTooWeak,
	"ENCRYPT-NEEDED":    CodeEncryptNeeded,
	"QUOTA":             CodeQuota,
	"QUOTA/MAXSCRIPTS":  CodeQuotaMaxScripts,
	"QUOTA/MAXSIZE":     CodeQuotaMaxSize,
	"REFERRAL":          CodeReferral,
	"SASL":              CodeSASL,
	"TRANSITION-NEEDED": CodeTransitionNeeded,
	"TRYLATER":          CodeTryLater,
	"ACTIVE":            CodeActive,
	"NONEXISTENT":       CodeNonexistent,
	"ALREADYEXISTS":     CodeAlreadyExists,
	"TAG":               CodeTag,
	"WARNINGS":          CodeWarnings,
}

// ResponseCode is the bracketed, machine readable part of a completion
// response, e.g. (QUOTA/MAXSIZE) or (REFERRAL "sieve://other.example").
type ResponseCode struct {
	Kind CodeKind
	Name string   // upper-cased code name as received
	Data []string // arguments; nested extension lists are kept as "(a b)"
}

// Arg returns the first argument, which is the URL of REFERRAL, the
// base64 data of SASL and the echoed string of TAG.
func (c *ResponseCode) Arg() string {
	if c == nil || len(c.Data) == 0 {
		return ""
	}
	return c.Data[0]
}

// IsQuota reports whether the code is QUOTA or one of its sub-codes.
func (c *ResponseCode) IsQuota() bool {
	if c == nil {
		return false
	}
	switch c.Kind {
	case CodeQuota, CodeQuotaMaxScripts, CodeQuotaMaxSize:
		return true
	}
	return false
}

func (c *ResponseCode) String() string {
	if c == nil {
		return ""
	}
	if len(c.Data) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Data, " ")
}

func newResponseCode(name string, data []string) *ResponseCode {
	name = strings.ToUpper(name)
	kind, ok := codeKinds[name]
	if !ok {
		kind = CodeOther
	}
	return &ResponseCode{Kind: kind, Name: name, Data: data}
}

// responseCode reads "(" atom [SP extension-data] ")".
func (l *lexer) responseCode() (*ResponseCode, error) {
	if l.peek() != '(' {
		return nil, l.errorf("expected response code")
	}
	l.pos++
	name, err := l.atom()
	if err != nil {
		return nil, err
	}
	var data []string
	if l.peek() == ' ' {
		if err := l.space(); err != nil {
			return nil, err
		}
		data, err = l.extensionData()
		if err != nil {
			return nil, err
		}
	}
	if l.peek() != ')' {
		return nil, l.errorf("unterminated response code")
	}
	l.pos++
	return newResponseCode(name, data), nil
}

// extensionData reads items up to, but not including, the closing paren.
func (l *lexer) extensionData() ([]string, error) {
	var items []string
	for {
		item, err := l.extensionItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if l.peek() != ' ' {
			return items, nil
		}
		if err := l.space(); err != nil {
			return nil, err
		}
	}
}

func (l *lexer) extensionItem() (string, error) {
	switch c := l.peek(); {
	case c == '"' || c == '{':
		return l.utf8String()
	case c >= '0' && c <= '9':
		n, err := l.number()
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(n, 10), nil
	case c == '(':
		l.pos++
		var inner []string
		if l.peek() != ')' {
			var err error
			inner, err = l.extensionData()
			if err != nil {
				return "", err
			}
		}
		if l.peek() != ')' {
			return "", l.errorf("unterminated extension data")
		}
		l.pos++
		return "(" + strings.Join(inner, " ") + ")", nil
	default:
		// Some servers send bare atoms in extension data.
		return l.atom()
	}
}
