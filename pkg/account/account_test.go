package account_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jarcoal/httpmock"

	"github.com/mazda-community/carconnect/internal/crypto"
	"github.com/mazda-community/carconnect/pkg/account"
	"github.com/mazda-community/carconnect/pkg/vehicle"
)

func vehicleHVAC(temp float64, unit string, front, rear bool) vehicle.HVACSetting {
	return vehicle.HVACSetting{
		Temperature:     temp,
		TemperatureUnit: unit,
		FrontDefroster:  front,
		RearDefroster:   rear,
	}
}

func TestAccount(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Account Suite")
}

const (
	testEncKey  = "testEncKey123456"
	testSignKey = "testSignKey"
	testIV      = "0102030405060708"
	mnaoAppCode = "202007270941270111799"
	baseURL     = "https://0cxo7m58.mazda.com/prod/"
	usherURL    = "https://ptznwbh8.mazda.com/appapi/v1/"
)

var accountSeq int64

type backend struct {
	transport *httpmock.MockTransport
	// per-endpoint call counters, keyed by the URI tail
	calls map[string]*int64
}

func (b *backend) callCount(uri string) int64 {
	counter, ok := b.calls[uri]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(counter)
}

// respond registers a counted responder serving an encrypted success
// payload.
func (b *backend) respond(uri, payload string) {
	encrypted, err := crypto.EncryptAES128CBC([]byte(payload), testEncKey, testIV)
	Expect(err).NotTo(HaveOccurred())
	body := fmt.Sprintf(`{"state": "S", "payload": %q}`, encrypted)

	counter := new(int64)
	b.calls[uri] = counter
	b.transport.RegisterResponder(http.MethodPost, baseURL+uri,
		func(*http.Request) (*http.Response, error) {
			atomic.AddInt64(counter, 1)
			return httpmock.NewStringResponse(http.StatusOK, body), nil
		})
}

// fail registers a counted responder that always errors at the network
// level.
func (b *backend) fail(uri string) {
	counter := new(int64)
	b.calls[uri] = counter
	b.transport.RegisterResponder(http.MethodPost, baseURL+uri,
		func(*http.Request) (*http.Response, error) {
			atomic.AddInt64(counter, 1)
			return nil, errors.New("connection refused")
		})
}

func newBackend() *backend {
	b := &backend{
		transport: httpmock.NewMockTransport(),
		calls:     map[string]*int64{},
	}

	// Version check hands out the session keys, encrypted under the
	// app-code-derived key.
	appKey := crypto.AppDecryptionKey(mnaoAppCode)
	keyPayload, err := crypto.EncryptAES128CBC(
		[]byte(fmt.Sprintf(`{"encKey": %q, "signKey": %q}`, testEncKey, testSignKey)), appKey, testIV)
	Expect(err).NotTo(HaveOccurred())
	b.transport.RegisterResponder(http.MethodPost, baseURL+"service/checkVersion",
		httpmock.NewStringResponder(http.StatusOK, fmt.Sprintf(`{"state": "S", "payload": %q}`, keyPayload)))

	// Identity endpoints.
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).NotTo(HaveOccurred())
	der, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
	Expect(err).NotTo(HaveOccurred())
	b.transport.RegisterResponder(http.MethodGet, `=~^https://ptznwbh8\.mazda\.com/appapi/v1/system/encryptionKey`,
		httpmock.NewStringResponder(http.StatusOK, fmt.Sprintf(`{"data": {"publicKey": %q, "versionPrefix": "v1:"}}`,
			base64.StdEncoding.EncodeToString(der))))
	b.transport.RegisterResponder(http.MethodPost, usherURL+"user/login",
		httpmock.NewStringResponder(http.StatusOK, fmt.Sprintf(
			`{"status": "OK", "data": {"accessToken": "test-token", "accessTokenExpirationTs": %d}}`,
			time.Now().Add(time.Hour).Unix())))

	return b
}

func newAccount(b *backend, opts ...account.Option) *account.Account {
	email := fmt.Sprintf("suite%d@example.com", atomic.AddInt64(&accountSeq, 1))
	base := []account.Option{
		account.WithTransport(b.transport),
		account.WithBackoff(time.Millisecond, 5*time.Millisecond),
		account.WithMaxRetries(1),
	}
	acct, err := account.New(email, "hunter2", "MNAO", append(base, opts...)...)
	Expect(err).NotTo(HaveOccurred())
	return acct
}

func vehicleListPayload() string {
	goodInfo, err := json.Marshal(map[string]any{
		"OtherInformation": map[string]any{
			"carlineName":      "CX-5",
			"modelName":        "CX-5 PREFERRED",
			"modelYear":        "2022",
			"transmissionType": "A",
		},
		"CVServiceInformation": map[string]any{"fuelType": "01"},
	})
	Expect(err).NotTo(HaveOccurred())

	payload, err := json.Marshal(map[string]any{
		"vecBaseInfos": []map[string]any{
			{
				"vin": "JM3KFBBL0N0500001",
				"Vehicle": map[string]any{
					"CvInformation":      map[string]any{"internalVin": 12345},
					"vehicleInformation": string(goodInfo),
				},
				"econnectType": 0,
			},
			{
				"vin": "JM3NOTENROLLED002",
				"Vehicle": map[string]any{
					"CvInformation":      map[string]any{"internalVin": 23456},
					"vehicleInformation": "{}",
				},
				"econnectType": 0,
			},
			{
				"vin": "JM3BADMETADATA003",
				"Vehicle": map[string]any{
					"CvInformation":      map[string]any{"internalVin": 34567},
					"vehicleInformation": "{broken",
				},
				"econnectType": 0,
			},
		},
		"vehicleFlags": []map[string]any{
			{"vinRegistStatus": 3},
			{"vinRegistStatus": 1},
			{"vinRegistStatus": 3},
		},
	})
	Expect(err).NotTo(HaveOccurred())
	return string(payload)
}

var _ = Describe("Account", func() {
	var (
		b   *backend
		ctx context.Context
	)

	BeforeEach(func() {
		b = newBackend()
		ctx = context.Background()
	})

	Describe("LockDoors", func() {
		It("returns the tracking handle on success", func() {
			b.respond("remoteServices/doorLock/v4", `{"resultCode": "200S00", "visitNo": "vn-42"}`)
			acct := newAccount(b)

			resp, err := acct.LockDoors(ctx, 12345)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.VisitNo).To(Equal("vn-42"))
		})

		It("writes the optimistic lock state before the command is sent", func() {
			b.fail("remoteServices/doorLock/v4")
			acct := newAccount(b)

			_, err := acct.LockDoors(ctx, 12345)
			Expect(err).To(HaveOccurred())

			// Even though the command failed at the wire, the assumption
			// was recorded first and still governs reads.
			locked, known := acct.AssumedLockState(12345)
			Expect(known).To(BeTrue())
			Expect(locked).To(BeTrue())
		})

		It("lets a newer telemetry confirmation take over", func() {
			b.respond("remoteServices/doorUnlock/v4", `{"resultCode": "200S00"}`)
			acct := newAccount(b)

			_, err := acct.UnlockDoors(ctx, 12345)
			Expect(err).NotTo(HaveOccurred())
			locked, known := acct.AssumedLockState(12345)
			Expect(known).To(BeTrue())
			Expect(locked).To(BeFalse())
		})
	})

	Describe("Vehicles", func() {
		BeforeEach(func() {
			b.respond("remoteServices/getVecBaseInfos/v4", vehicleListPayload())
			b.respond("remoteServices/getNickName/v4", `{"resultCode": "200S00", "nickname": "My CX-5"}`)
		})

		It("skips unenrolled vehicles and isolates metadata failures", func() {
			acct := newAccount(b)

			vehicles, err := acct.Vehicles(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(vehicles).To(HaveLen(1))
			Expect(vehicles[0].VIN).To(Equal("JM3KFBBL0N0500001"))
			Expect(vehicles[0].ID).To(Equal(12345))
			Expect(vehicles[0].Nickname).To(Equal("My CX-5"))
			Expect(vehicles[0].ModelName).To(Equal("CX-5 PREFERRED"))
		})

		It("serves the fleet from memory when caching is enabled", func() {
			acct := newAccount(b, account.WithCachedVehicleList())

			for i := 0; i < 3; i++ {
				vehicles, err := acct.Vehicles(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(vehicles).To(HaveLen(1))
			}
			Expect(b.callCount("remoteServices/getVecBaseInfos/v4")).To(Equal(int64(1)))
		})

		It("refetches the fleet on every call without caching", func() {
			acct := newAccount(b)

			for i := 0; i < 2; i++ {
				_, err := acct.Vehicles(ctx)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(b.callCount("remoteServices/getVecBaseInfos/v4")).To(Equal(int64(2)))
		})
	})

	Describe("Nickname", func() {
		It("caches results per VIN", func() {
			b.respond("remoteServices/getNickName/v4", `{"resultCode": "200S00", "nickname": "Daily Driver"}`)
			acct := newAccount(b)

			for i := 0; i < 3; i++ {
				nickname, err := acct.Nickname(ctx, "JM3KFBBL0N0500001")
				Expect(err).NotTo(HaveOccurred())
				Expect(nickname).To(Equal("Daily Driver"))
			}
			Expect(b.callCount("remoteServices/getNickName/v4")).To(Equal(int64(1)))
		})

		It("falls back through vtitle and carlineDesc", func() {
			b.respond("remoteServices/getNickName/v4", `{"resultCode": "200S00", "carlineDesc": "CX-5"}`)
			acct := newAccount(b)

			nickname, err := acct.Nickname(ctx, "JM3KFBBL0N0500001")
			Expect(err).NotTo(HaveOccurred())
			Expect(nickname).To(Equal("CX-5"))
		})

		It("rejects malformed VINs without touching the network", func() {
			acct := newAccount(b)
			_, err := acct.Nickname(ctx, "SHORT")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("VehicleStatus", func() {
		It("returns nil for a recognized but empty response", func() {
			b.respond("remoteServices/getVehicleStatus/v4", `{"resultCode": "200S00", "alertInfos": [], "remoteInfos": []}`)
			acct := newAccount(b)

			status, err := acct.VehicleStatus(ctx, 12345)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(BeNil())
		})

		It("confirms the lock state from telemetry", func() {
			b.respond("remoteServices/getVehicleStatus/v4", `{
				"resultCode": "200S00",
				"alertInfos": [{"OccurrenceDate": "20220101123000", "Door": {"LockLinkSwDrv": 0, "LockLinkSwPsngr": 0, "LockLinkSwRl": 0, "LockLinkSwRr": 0}}],
				"remoteInfos": [{}]
			}`)
			acct := newAccount(b)

			status, err := acct.VehicleStatus(ctx, 12345)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).NotTo(BeNil())
			Expect(status.DoorLocks.AllLocked()).To(BeTrue())

			locked, known := acct.AssumedLockState(12345)
			Expect(known).To(BeTrue())
			Expect(locked).To(BeTrue())
		})
	})

	Describe("HealthReport", func() {
		It("degrades to nil on failure", func() {
			b.fail("remoteServices/getHealthReport/v4")
			acct := newAccount(b)

			report, err := acct.HealthReport(ctx, 12345)
			Expect(err).NotTo(HaveOccurred())
			Expect(report).To(BeNil())
		})
	})

	Describe("UpdateNickname", func() {
		It("rejects over-long nicknames locally", func() {
			acct := newAccount(b)
			err := acct.UpdateNickname(ctx, "JM3KFBBL0N0500001", "this nickname is far too long")
			Expect(err).To(HaveOccurred())
		})

		It("updates the nickname cache on success", func() {
			b.respond("remoteServices/updateNickName/v4", `{"resultCode": "200S00"}`)
			acct := newAccount(b)

			Expect(acct.UpdateNickname(ctx, "JM3KFBBL0N0500001", "Renamed")).To(Succeed())
			nickname, err := acct.Nickname(ctx, "JM3KFBBL0N0500001")
			Expect(err).NotTo(HaveOccurred())
			Expect(nickname).To(Equal("Renamed"))
		})
	})

	Describe("SetHVACSetting", func() {
		It("optimistically records the requested setting", func() {
			b.fail("remoteServices/updateHVACSetting/v4")
			acct := newAccount(b)

			_, err := acct.SetHVACSetting(ctx, 12345, vehicleHVAC(21.0, "C", true, false))
			Expect(err).To(HaveOccurred())

			setting, known := acct.AssumedHVACSetting(12345)
			Expect(known).To(BeTrue())
			Expect(setting.Temperature).To(Equal(21.0))
			Expect(setting.FrontDefroster).To(BeTrue())
		})
	})
})
