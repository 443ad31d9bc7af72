// Package kafka provides relay sinks for Apache Kafka.
//
// WriterSink is built on github.com/segmentio/kafka-go and SaramaSink on
// github.com/IBM/sarama. Both key messages by the record partition key so a
// relay partition maps onto a single Kafka partition and keeps its order, and
// both wait for the broker acknowledgement before returning.
package kafka
