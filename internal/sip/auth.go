package sip

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Credentials authenticate our requests when a media server challenges them.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no username is configured.
func (c Credentials) Empty() bool {
	return c.Username == ""
}

// isChallenge reports whether res is a 401/407 digest challenge.
func isChallenge(res *sip.Response) bool {
	return res.StatusCode == 401 || res.StatusCode == 407
}

// authorize answers the digest challenge in res for req. It returns a copy
// of req carrying the Authorization (or Proxy-Authorization) header and no
// Via, ready to be re-sent in a new transaction.
func authorize(req *sip.Request, res *sip.Response, cred Credentials) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	h := res.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("got %d without %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	digestCred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: cred.Username,
		Password: cred.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, digestCred.String()))
	return authReq, nil
}
