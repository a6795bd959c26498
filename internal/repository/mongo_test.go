package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mmeshcher/ararat-backend/internal/model"
)

type MongoSuite struct {
	suite.Suite
	ctx       context.Context
	container testcontainers.Container
	repo      *MongoRepository
}

func TestMongoRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test: skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	suite.Run(t, new(MongoSuite))
}

func (s *MongoSuite) SetupSuite() {
	s.ctx = context.Background()

	var err error
	s.container, err = testcontainers.GenericContainer(s.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	s.Require().NoError(err)

	endpoint, err := s.container.PortEndpoint(s.ctx, "27017/tcp", "")
	s.Require().NoError(err)

	s.repo, err = NewMongoRepository(fmt.Sprintf("mongodb://%s", endpoint), "ararat_test")
	s.Require().NoError(err)
}

func (s *MongoSuite) TearDownSuite() {
	if s.repo != nil {
		_ = s.repo.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *MongoSuite) SetupTest() {
	for _, c := range []string{paymentsCollection, ordersCollection, tokensCollection} {
		_, err := s.repo.db.Collection(c).DeleteMany(s.ctx, bson.D{})
		s.Require().NoError(err)
	}
}

func (s *MongoSuite) seed(paymentID, orderID string, amount float64) {
	s.Require().NoError(s.repo.CreateOrder(s.ctx, model.Order{ID: orderID, Status: "новый"}))
	s.Require().NoError(s.repo.CreatePayment(s.ctx, model.Payment{ID: paymentID, OrderID: orderID, Amount: amount}))
}

func (s *MongoSuite) TestPaymentLifecycle() {
	s.seed("p1", "o1", 100)

	p, err := s.repo.GetPayment(s.ctx, "p1")
	s.Require().NoError(err)
	s.Equal(model.PaymentStatusPending, p.Status)
	s.False(p.IsScanned)

	swapped, err := s.repo.MarkPaymentScanned(s.ctx, "p1")
	s.Require().NoError(err)
	s.True(swapped)

	p, err = s.repo.GetPayment(s.ctx, "p1")
	s.Require().NoError(err)
	s.Equal(model.PaymentStatusProcessing, p.Status)
	s.NotNil(p.ScanTime)

	s.Require().NoError(s.repo.CompletePayment(s.ctx, "p1"))
	s.Require().NoError(s.repo.MarkOrderPaid(s.ctx, "o1", model.OrderStatusPaid))

	o, err := s.repo.GetOrder(s.ctx, "o1")
	s.Require().NoError(err)
	s.Equal(model.OrderStatusPaid, o.Status)
	s.Equal(model.PaymentStatusCompleted, o.PaymentStatus)

	swapped, err = s.repo.MarkPaymentScanned(s.ctx, "p1")
	s.Require().NoError(err)
	s.False(swapped)
}

func (s *MongoSuite) TestMarkPaymentScanned_Concurrent() {
	s.seed("p2", "o2", 10)

	const callers = 16
	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			swapped, err := s.repo.MarkPaymentScanned(s.ctx, "p2")
			if err == nil && swapped {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), won.Load())
}

func (s *MongoSuite) TestNotFound() {
	_, err := s.repo.GetPayment(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.repo.CompletePayment(s.ctx, "missing"), ErrNotFound)
	s.ErrorIs(s.repo.MarkOrderPaid(s.ctx, "missing", model.OrderStatusPaid), ErrNotFound)
	s.ErrorIs(s.repo.DeleteUserToken(s.ctx, "u1", "missing"), ErrNotFound)
}

func (s *MongoSuite) TestUserTokens() {
	s.Require().NoError(s.repo.SaveUserToken(s.ctx, "u1", "tokA"))
	s.Require().NoError(s.repo.SaveUserToken(s.ctx, "u1", "tokB"))
	s.Require().NoError(s.repo.SaveUserToken(s.ctx, "u1", "tokA"))

	tokens, err := s.repo.GetUserTokens(s.ctx, "u1")
	s.Require().NoError(err)
	s.Len(tokens, 2)

	s.Require().NoError(s.repo.DeleteUserToken(s.ctx, "u1", "tokA"))

	tokens, err = s.repo.GetUserTokens(s.ctx, "u1")
	s.Require().NoError(err)
	s.Equal([]model.DeviceToken{{UserID: "u1", Token: "tokB"}}, tokens)
}
