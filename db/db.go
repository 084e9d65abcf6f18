package db

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"battlehub/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var MongoClient *mongo.Client
var MongoDatabase *mongo.Database
var BattlesCollection *mongo.Collection

// extractDBName parses the database name from the URI, defaulting to "battlehub"
func extractDBName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "battlehub"
	}
	if u.Path != "" && u.Path != "/" {
		return u.Path[1:] // Trim leading '/'
	}
	return "battlehub"
}

// ConnectMongoDB establishes a connection to MongoDB using the provided URI
func ConnectMongoDB(uri string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Verify connection with a ping
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	MongoClient = client
	dbName := extractDBName(uri)
	log.Printf("Using database: %s", dbName)

	MongoDatabase = client.Database(dbName)
	BattlesCollection = MongoDatabase.Collection("battles")
	return nil
}

// BattleStore archives choreography runs in the battles collection. It
// satisfies services.BattleStore.
type BattleStore struct{}

// InsertBattle saves the record of a freshly started battle
func (BattleStore) InsertBattle(ctx context.Context, rec *models.BattleRecord) error {
	_, err := BattlesCollection.InsertOne(ctx, rec)
	if err != nil {
		log.Printf("Error saving battle %s: %v", rec.RoomID, err)
		return err
	}
	return nil
}

// FinishBattle records the outcome and replay link once the battle ends
func (BattleStore) FinishBattle(ctx context.Context, roomID, winner, replayURL string) error {
	filter := bson.M{"roomId": roomID}
	update := bson.M{"$set": bson.M{"winner": winner, "replayUrl": replayURL}}
	_, err := BattlesCollection.UpdateOne(ctx, filter, update)
	if err != nil {
		log.Printf("Error updating battle %s: %v", roomID, err)
		return err
	}
	return nil
}

// RecentBattles retrieves the most recently started battles
func RecentBattles(ctx context.Context, limit int64) ([]models.BattleRecord, error) {
	opts := options.Find().SetSort(bson.M{"startedAt": -1}).SetLimit(limit)
	cursor, err := BattlesCollection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list battles: %w", err)
	}
	defer cursor.Close(ctx)

	var records []models.BattleRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode battles: %w", err)
	}
	return records, nil
}
