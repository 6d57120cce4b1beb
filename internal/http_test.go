package internal

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mimiro-io/datahub-linkharvester/internal/rdf"
)

var _ = Describe("The status server", func() {
	var server *StatusServer
	var progress *Progress

	get := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	BeforeEach(func() {
		store := NewMemoryStore()
		_, err := store.Add(context.Background(), []rdf.Quad{
			quad("http://s/1", "http://p", "one", graphA),
			quad("http://s/2", "http://p", "two", graphA),
			quad("http://s/3", "http://p", "three", graphB),
		})
		Expect(err).NotTo(HaveOccurred())
		progress = NewProgress("run-1")
		server, err = NewStatusServer(&Config{ServiceName: "test", Authenticator: "noop"}, progress, store, NoOpMetrics())
		Expect(err).NotTo(HaveOccurred())
	})

	It("reports health", func() {
		rec := get("/health")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("UP"))
	})

	It("reports progress of the run", func() {
		progress.planned(2, 3, 1)
		progress.PageStored(Dataset{}, Request{}, Window{}, 10, 7)
		progress.SetState(StateWriting)

		rec := get("/harvest/status")
		Expect(rec.Code).To(Equal(http.StatusOK))
		var snap ProgressSnapshot
		Expect(json.Unmarshal(rec.Body.Bytes(), &snap)).To(Succeed())
		Expect(snap.RunID).To(Equal("run-1"))
		Expect(snap.State).To(Equal(StateWriting))
		Expect(snap.Requests).To(Equal(3))
		Expect(snap.CatalogFailures).To(Equal(1))
		Expect(snap.Rows).To(Equal(10))
		Expect(snap.Quads).To(Equal(7))
	})

	It("lists graphs with their sizes", func() {
		rec := get("/harvest/graphs")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`[
			{"graph":"http://data.kasabi.com/dataset/a","quads":2},
			{"graph":"http://data.kasabi.com/dataset/b","quads":1}
		]`))
	})

	Context("when counting a single graph", func() {
		It("returns the count", func() {
			rec := get("/harvest/graphs/count?graph=" + url.QueryEscape(graphB))
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`{"graph":"http://data.kasabi.com/dataset/b","quads":1}`))
		})
		It("should return 400 without a graph", func() {
			rec := get("/harvest/graphs/count")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
		It("should return 404 for unknown graphs", func() {
			rec := get("/harvest/graphs/count?graph=" + url.QueryEscape("http://nope"))
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(rec.Body.String()).To(MatchJSON(`{"message":"No such graph"}`))
		})
	})
})

var _ = Describe("The status server with jwt security", func() {
	const (
		issuer   = "https://auth.example.org/"
		audience = "https://linkharvester.example.org"
		kid      = "harvest-key"
	)
	var server *StatusServer
	var jwks *httptest.Server
	var key *rsa.PrivateKey

	BeforeEach(func() {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).NotTo(HaveOccurred())
		pub, err := jwk.FromRaw(&key.PublicKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(pub.Set(jwk.KeyIDKey, kid)).To(Succeed())
		Expect(pub.Set(jwk.AlgorithmKey, jwa.RS256)).To(Succeed())
		set := jwk.NewSet()
		Expect(set.AddKey(pub)).To(Succeed())

		jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(set)
		}))
		DeferCleanup(jwks.Close)

		server, err = NewStatusServer(&Config{
			ServiceName:   "test",
			Authenticator: "jwt",
			JwtWellKnown:  jwks.URL + "/.well-known/jwks.json",
			TokenIssuer:   issuer,
			TokenAudience: audience,
		}, NewProgress("run-1"), NewMemoryStore(), NoOpMetrics())
		Expect(err).NotTo(HaveOccurred())
	})

	claims := func(gty, scope string, adm bool) CustomClaims {
		return CustomClaims{
			Scope: scope,
			Gty:   gty,
			Adm:   adm,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "harvest-client",
				Issuer:    issuer,
				Audience:  jwt.ClaimStrings{audience},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
	}
	sign := func(c CustomClaims, with *rsa.PrivateKey) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
		token.Header["kid"] = kid
		signed, err := token.SignedString(with)
		Expect(err).NotTo(HaveOccurred())
		return signed
	}
	get := func(target, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		return rec
	}

	It("leaves the health check open", func() {
		Expect(get("/health", "").Code).To(Equal(http.StatusOK))
	})

	It("should return 401 without a token", func() {
		rec := get("/harvest/status", "")
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(rec.Body.String()).To(MatchJSON(`{"message":"missing or malformed jwt"}`))
	})

	It("should return 401 for tokens that do not verify", func() {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).NotTo(HaveOccurred())

		expired := claims("client-credentials", StatusScope, false)
		expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		foreign := claims("client-credentials", StatusScope, false)
		foreign.Audience = jwt.ClaimStrings{"https://someone-else.example.org"}
		wrongIssuer := claims("client-credentials", StatusScope, false)
		wrongIssuer.Issuer = "https://evil.example.org/"

		for name, token := range map[string]string{
			"garbage":      "not-a-jwt",
			"foreign key":  sign(claims("client-credentials", StatusScope, false), other),
			"expired":      sign(expired, key),
			"audience":     sign(foreign, key),
			"issuer":       sign(wrongIssuer, key),
			"unsigned alg": unsignedToken(claims("client-credentials", StatusScope, false)),
		} {
			rec := get("/harvest/status", token)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized), name)
			Expect(rec.Body.String()).To(MatchJSON(`{"message":"invalid or expired jwt"}`), name)
		}
	})

	It("should return 403 for machine tokens without the status scope", func() {
		rec := get("/harvest/status", sign(claims("client-credentials", "datahub:w", false), key))
		Expect(rec.Code).To(Equal(http.StatusForbidden))
	})

	It("lets machine tokens with the status scope through", func() {
		rec := get("/harvest/status", sign(claims("client-credentials", "datahub:w "+StatusScope, false), key))
		Expect(rec.Code).To(Equal(http.StatusOK))
		rec = get("/harvest/graphs", sign(claims("client-credentials", "other,"+StatusScope, false), key))
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("requires admin rights for user tokens", func() {
		Expect(get("/harvest/status", sign(claims("password", "", false), key)).Code).To(Equal(http.StatusForbidden))
		Expect(get("/harvest/status", sign(claims("password", "", true), key)).Code).To(Equal(http.StatusOK))
	})
})

func unsignedToken(c CustomClaims) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodNone, c).SignedString(jwt.UnsafeAllowNoneSignatureType)
	Expect(err).NotTo(HaveOccurred())
	return signed
}
