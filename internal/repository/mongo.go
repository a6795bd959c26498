package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/mmeshcher/ararat-backend/internal/model"
)

const (
	paymentsCollection = "payments"
	ordersCollection   = "orders"
	tokensCollection   = "user_tokens"
)

// MongoRepository хранит записи в MongoDB. Временные метки проставляет сервер через $currentDate.
type MongoRepository struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoRepository подключается к MongoDB и создаёт необходимые индексы.
func NewMongoRepository(uri, database string) (*MongoRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	r := &MongoRepository{client: client, db: client.Database(database)}

	if err := r.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return r, nil
}

func (r *MongoRepository) ensureIndexes(ctx context.Context) error {
	_, err := r.db.Collection(tokensCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "token", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create token index: %w", err)
	}

	_, err = r.db.Collection(paymentsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "orderId", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create payment index: %w", err)
	}

	return nil
}

// Close закрывает соединение с MongoDB.
func (r *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

// GetPayment возвращает платёж по идентификатору.
func (r *MongoRepository) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	var p model.Payment
	err := r.db.Collection(paymentsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment: %w", classifyMongo(err))
	}
	return &p, nil
}

// MarkPaymentScanned атомарно выполняет первое сканирование платежа.
func (r *MongoRepository) MarkPaymentScanned(ctx context.Context, id string) (bool, error) {
	filter := bson.M{
		"_id":       id,
		"isScanned": bson.M{"$ne": true},
		"status":    bson.M{"$ne": string(model.PaymentStatusCompleted)},
	}
	update := bson.M{
		"$set":         bson.M{"isScanned": true, "status": string(model.PaymentStatusProcessing)},
		"$currentDate": bson.M{"scanTime": true, "updatedAt": true},
	}

	res, err := r.db.Collection(paymentsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mark payment scanned: %w", classifyMongo(err))
	}

	return res.ModifiedCount == 1, nil
}

// CompletePayment переводит платёж в статус completed.
func (r *MongoRepository) CompletePayment(ctx context.Context, id string) error {
	update := bson.M{
		"$set":         bson.M{"status": string(model.PaymentStatusCompleted)},
		"$currentDate": bson.M{"updatedAt": true},
	}

	res, err := r.db.Collection(paymentsCollection).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("complete payment: %w", classifyMongo(err))
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOrderPaid отмечает заказ оплаченным.
func (r *MongoRepository) MarkOrderPaid(ctx context.Context, orderID, status string) error {
	update := bson.M{
		"$set": bson.M{
			"status":        status,
			"paymentStatus": string(model.PaymentStatusCompleted),
		},
		"$currentDate": bson.M{"updatedAt": true},
	}

	res, err := r.db.Collection(ordersCollection).UpdateOne(ctx, bson.M{"_id": orderID}, update)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", classifyMongo(err))
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *MongoRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := r.db.Collection(ordersCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&o)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", classifyMongo(err))
	}
	return &o, nil
}

// CreatePayment сохраняет новый платёж в статусе pending.
func (r *MongoRepository) CreatePayment(ctx context.Context, p model.Payment) error {
	if err := checkIDs(p.ID, p.OrderID); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}

	doc := bson.M{
		"_id":       p.ID,
		"orderId":   p.OrderID,
		"amount":    p.Amount,
		"status":    string(model.PaymentStatusPending),
		"isScanned": false,
		"updatedAt": time.Now().UTC(),
	}
	if _, err := r.db.Collection(paymentsCollection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("create payment: %w", classifyMongo(err))
	}
	return nil
}

// CreateOrder сохраняет новый заказ.
func (r *MongoRepository) CreateOrder(ctx context.Context, o model.Order) error {
	if err := checkIDs(o.ID); err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	doc := bson.M{
		"_id":           o.ID,
		"status":        o.Status,
		"paymentStatus": string(model.PaymentStatusPending),
		"updatedAt":     time.Now().UTC(),
	}
	if _, err := r.db.Collection(ordersCollection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("create order: %w", classifyMongo(err))
	}
	return nil
}

// SaveUserToken регистрирует токен устройства пользователя.
func (r *MongoRepository) SaveUserToken(ctx context.Context, userID, token string) error {
	filter := bson.M{"userId": userID, "token": token}
	update := bson.M{
		"$setOnInsert": bson.M{"userId": userID, "token": token},
		"$currentDate": bson.M{"updatedAt": true},
	}

	_, err := r.db.Collection(tokensCollection).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save user token: %w", classifyMongo(err))
	}
	return nil
}

// GetUserTokens возвращает все токены устройств пользователя.
func (r *MongoRepository) GetUserTokens(ctx context.Context, userID string) ([]model.DeviceToken, error) {
	cur, err := r.db.Collection(tokensCollection).Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, fmt.Errorf("find user tokens: %w", classifyMongo(err))
	}
	defer cur.Close(ctx)

	var tokens []model.DeviceToken
	if err := cur.All(ctx, &tokens); err != nil {
		return nil, fmt.Errorf("decode user tokens: %w", classifyMongo(err))
	}

	return tokens, nil
}

// DeleteUserToken удаляет токен устройства пользователя.
func (r *MongoRepository) DeleteUserToken(ctx context.Context, userID, token string) error {
	res, err := r.db.Collection(tokensCollection).DeleteOne(ctx, bson.M{"userId": userID, "token": token})
	if err != nil {
		return fmt.Errorf("delete user token: %w", classifyMongo(err))
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
