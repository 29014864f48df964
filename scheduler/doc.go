package scheduler

// The scheduler keeps one or more Kibana instances running for each required
// ElasticSearch URL. Desired counts come in through the management API (see
// httpserver), launches come out of mesos resource offers, and completions come
// back as status updates. High-availability framework guide :
// http://mesos.apache.org/documentation/latest/high-availability-framework-guide/

// Kibana tasks run with docker host networking, so every instance needs a host
// port that no other live instance holds anywhere in the cluster. The port
// allocator is the workaround : it remembers every port assigned to a live task
// and picks the first free one from each accepted offer.

// TODO reconcile running tasks with mesos-master after failover (ReconcileTasks),
// so a standby taking over learns about tasks the old leader launched.
// TODO the kill pass re-sends kill requests until the terminal status arrives;
// track in-flight kills if that ever becomes noisy at larger fleet sizes.
